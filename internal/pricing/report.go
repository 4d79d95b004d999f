package pricing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/jesperrix/rixtribute/internal/ec2"
	"golang.org/x/sync/errgroup"
)

// Row compares the spot price of an instance type in one zone to its
// on-demand price in the zone's region.
type Row struct {
	Zone         string
	InstanceType string
	Spot         float64
	OnDemand     float64

	Reduction        float64 // OnDemand - Spot
	ReductionPercent float64 // Reduction relative to OnDemand, 0-100
}

// OnDemandLister returns on-demand prices keyed by instance type.
type OnDemandLister interface {
	OnDemand(ctx context.Context, region string, instanceTypes []string) (map[string]float64, error)
}

var _ OnDemandLister = (*PriceLists)(nil)

// Merge pairs every spot price with the on-demand price of its region.
// 'onDemand' is keyed by region, then instance type; spot prices without a
// known on-demand price are dropped. Rows are sorted by instance type, then
// spot price.
func Merge(spot []SpotPrice, onDemand map[string]map[string]float64) []Row {
	rows := make([]Row, 0, len(spot))
	for _, sp := range spot {
		od, ok := onDemand[ec2.RegionOf(sp.Zone)][sp.InstanceType]
		if !ok {
			continue
		}
		row := Row{
			Zone:         sp.Zone,
			InstanceType: sp.InstanceType,
			Spot:         sp.Price,
			OnDemand:     od,
			Reduction:    od - sp.Price,
		}
		if od > 0 {
			row.ReductionPercent = row.Reduction / od * 100
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].InstanceType != rows[j].InstanceType {
			return rows[i].InstanceType < rows[j].InstanceType
		}
		return rows[i].Spot < rows[j].Spot
	})
	return rows
}

// Report fetches spot and on-demand prices of 'instanceTypes' across
// 'regions' and merges them.
func Report(
	ctx context.Context,
	clientFor func(region string) SpotHistoryAPI,
	prices OnDemandLister,
	regions []string,
	instanceTypes []string,
) ([]Row, error) {
	if len(instanceTypes) == 0 {
		return nil, fmt.Errorf("at least one instance type is required")
	}
	log := clog.FromContext(ctx)

	spot, err := SpotPrices(ctx, clientFor, regions, instanceTypes)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		onDemand = make(map[string]map[string]float64, len(regions))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRegions)
	for _, region := range regions {
		g.Go(func() error {
			p, err := prices.OnDemand(gctx, region, instanceTypes)
			if err != nil {
				return fmt.Errorf("%s: %w", region, err)
			}
			mu.Lock()
			defer mu.Unlock()
			onDemand[region] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rows := Merge(spot, onDemand)
	log.Debug("merged prices", "spot", len(spot), "rows", len(rows))
	return rows, nil
}
