package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/hashicorp/go-retryablehttp"
)

// PriceListURL serves the public, unauthenticated AWS price lists.
//
// NOTE: 'us-east-1' is just the region serving the price list, not the
// region the price list is for.
const PriceListURL = "https://pricing.us-east-1.amazonaws.com"

const (
	productCodeEC2   = "AmazonEC2"
	termsKeyOnDemand = "OnDemand"
)

var ErrOnDemandPrices = fmt.Errorf("failed to get on-demand prices")

type (
	// priceList is the subset of a price list document we read. Prices live in
	// '.terms.OnDemand[SKU][OFFER_TERM_CODE].priceDimensions[RATE_CODE]
	// .pricePerUnit.USD' while what they are for lives in
	// '.products[SKU].attributes'; the SKU correlates the two.
	priceList struct {
		Products map[string]product          `json:"products"`
		Terms    map[string]map[string]offer `json:"terms"`
	}
	product struct {
		Attributes productAttributes `json:"attributes"`
	}
	productAttributes struct {
		InstanceType   string `json:"instanceType"`
		Tenancy        string `json:"tenancy"`
		UsageType      string `json:"usagetype"`
		OS             string `json:"operatingSystem"`
		PreinstalledSW string `json:"preInstalledSw"`
		CapacityStatus string `json:"capacitystatus"`
	}
	offer     map[string]offerTerm
	offerTerm struct {
		PriceDimensions map[string]struct {
			PricePerUnit struct {
				USD string
			} `json:"pricePerUnit"`
		} `json:"priceDimensions"`
	}

	productFilter func(productAttributes) bool
)

// Drop non-shared tenancy instances (ex: dedicated hosts)
func isShared(a productAttributes) bool {
	return a.Tenancy == "Shared"
}

// Drop reserved capacity and other usage types.
func isBoxUsage(a productAttributes) bool {
	return strings.Contains(a.UsageType, "BoxUsage:")
}

func isLinux(a productAttributes) bool {
	return a.OS == "Linux"
}

// Drop instance types with pre-installed software (ex: SQL Server).
func hasNoPreinstalledSoftware(a productAttributes) bool {
	return a.PreinstalledSW == "NA"
}

// Drop unused capacity reservation entries.
func isUsed(a productAttributes) bool {
	return a.CapacityStatus == "" || a.CapacityStatus == "Used"
}

var onDemandFilters = []productFilter{
	isShared,
	isBoxUsage,
	isLinux,
	hasNoPreinstalledSoftware,
	isUsed,
}

// PriceLists fetches on-demand prices from the public price list.
type PriceLists struct {
	client  *retryablehttp.Client
	baseURL string
}

func NewPriceLists(baseURL string) *PriceLists {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMax = 10 * time.Second
	// Regional EC2 price lists run into hundreds of megabytes.
	client.HTTPClient.Timeout = 5 * time.Minute
	client.Logger = nil
	return &PriceLists{client: client, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// OnDemand returns the hourly USD price of every type in 'instanceTypes' (all
// types when empty) in 'region', for shared-tenancy Linux without
// preinstalled software.
func (p *PriceLists) OnDemand(ctx context.Context, region string, instanceTypes []string) (map[string]float64, error) {
	url := fmt.Sprintf("%s/offers/v1.0/aws/%s/current/%s/index.json", p.baseURL, productCodeEC2, region)
	clog.FromContext(ctx).Debug("fetching price list", "url", url)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOnDemandPrices, err)
	}
	res, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOnDemandPrices, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: received HTTP status code %d", ErrOnDemandPrices, region, res.StatusCode)
	}

	var pl priceList
	if err := json.NewDecoder(res.Body).Decode(&pl); err != nil {
		return nil, fmt.Errorf("%w: failed to decode price list: %w", ErrOnDemandPrices, err)
	}
	return onDemandPrices(ctx, pl, instanceTypes)
}

// onDemandPrices correlates the products passing every filter to their
// on-demand price.
func onDemandPrices(ctx context.Context, pl priceList, instanceTypes []string) (map[string]float64, error) {
	log := clog.FromContext(ctx)

	terms, ok := pl.Terms[termsKeyOnDemand]
	if !ok {
		return nil, fmt.Errorf("%w: price list has no %s terms", ErrOnDemandPrices, termsKeyOnDemand)
	}
	wanted := make(map[string]bool, len(instanceTypes))
	for _, t := range instanceTypes {
		wanted[t] = true
	}

	prices := make(map[string]float64)
products:
	for sku, prod := range pl.Products {
		attrs := prod.Attributes
		if len(wanted) > 0 && !wanted[attrs.InstanceType] {
			continue
		}
		for _, keep := range onDemandFilters {
			if !keep(attrs) {
				continue products
			}
		}

		for _, term := range terms[sku] {
			for _, dim := range term.PriceDimensions {
				price, err := strconv.ParseFloat(dim.PricePerUnit.USD, 64)
				if err != nil {
					log.Warn("skipping unparsable price", "sku", sku, "price", dim.PricePerUnit.USD, "error", err)
					continue
				}
				// Zero-dollar dimensions are placeholders.
				if price == 0 {
					continue
				}
				prices[attrs.InstanceType] = price
			}
		}
	}
	return prices, nil
}
