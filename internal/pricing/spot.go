// pricing reports spot prices next to on-demand prices, so a region and zone
// can be picked for a given instance type.
package pricing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

const (
	productLinux = "Linux/UNIX"

	// maxConcurrentRegions bounds the regions queried at once.
	maxConcurrentRegions = 8
)

var ErrSpotPrices = fmt.Errorf("failed to get spot prices")

// SpotHistoryAPI is the subset of '*ec2.Client' used to read spot prices.
type SpotHistoryAPI interface {
	DescribeSpotPriceHistory(context.Context, *ec2.DescribeSpotPriceHistoryInput, ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
}

var _ SpotHistoryAPI = (*ec2.Client)(nil)

// SpotPrice is the current spot price of an instance type in one zone.
type SpotPrice struct {
	Zone         string
	InstanceType string
	Price        float64 // USD per hour
	Timestamp    time.Time
}

// SpotPrices returns the latest Linux spot price of every type in
// 'instanceTypes' for every zone of 'regions'. Regions are queried
// concurrently through the API 'clientFor' returns for each.
func SpotPrices(
	ctx context.Context,
	clientFor func(region string) SpotHistoryAPI,
	regions []string,
	instanceTypes []string,
) ([]SpotPrice, error) {
	var (
		mu     sync.Mutex
		prices []SpotPrice
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRegions)
	for _, region := range regions {
		g.Go(func() error {
			found, err := regionSpotPrices(ctx, clientFor(region), instanceTypes)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrSpotPrices, region, err)
			}
			mu.Lock()
			defer mu.Unlock()
			prices = append(prices, found...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(prices, func(i, j int) bool {
		if prices[i].InstanceType != prices[j].InstanceType {
			return prices[i].InstanceType < prices[j].InstanceType
		}
		if prices[i].Price != prices[j].Price {
			return prices[i].Price < prices[j].Price
		}
		return prices[i].Zone < prices[j].Zone
	})
	return prices, nil
}

func regionSpotPrices(ctx context.Context, api SpotHistoryAPI, instanceTypes []string) ([]SpotPrice, error) {
	log := clog.FromContext(ctx)

	in := &ec2.DescribeSpotPriceHistoryInput{
		ProductDescriptions: []string{productLinux},
		// A start time of now returns only the price in effect.
		StartTime: aws.Time(time.Now()),
	}
	for _, t := range instanceTypes {
		in.InstanceTypes = append(in.InstanceTypes, types.InstanceType(t))
	}

	type key struct{ zone, instanceType string }
	latest := make(map[key]SpotPrice)

	pager := ec2.NewDescribeSpotPriceHistoryPaginator(api, in)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range page.SpotPriceHistory {
			price, err := strconv.ParseFloat(aws.ToString(p.SpotPrice), 64)
			if err != nil {
				log.Warn("skipping unparsable spot price", "price", aws.ToString(p.SpotPrice), "error", err)
				continue
			}
			sp := SpotPrice{
				Zone:         aws.ToString(p.AvailabilityZone),
				InstanceType: string(p.InstanceType),
				Price:        price,
				Timestamp:    aws.ToTime(p.Timestamp),
			}
			k := key{sp.Zone, sp.InstanceType}
			if cur, ok := latest[k]; ok && !sp.Timestamp.After(cur.Timestamp) {
				continue
			}
			latest[k] = sp
		}
	}

	out := make([]SpotPrice, 0, len(latest))
	for _, sp := range latest {
		out = append(out, sp)
	}
	return out, nil
}
