// Package aws implements the cloudapi interfaces on aws-sdk-go-v2: spot price
// history, on-demand reference prices, the Spot Advisor interruption table,
// EC2 inventory, instance lifecycle and governance listings.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
)

const (
	// CacheTTL bounds how long a fetched price series is reused.
	CacheTTL = 5 * time.Minute

	// maxHistoryPages caps DescribeSpotPriceHistory pagination per pool.
	maxHistoryPages = 10

	// pricingRegion is the only region serving the Pricing API.
	pricingRegion = "us-east-1"
)

// PriceClient serves spot price history and on-demand prices for one region.
type PriceClient struct {
	ec2     ec2.DescribeSpotPriceHistoryAPIClient
	pricing pricing.GetProductsAPIClient
	advisor *SpotAdvisor
	region  string
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	series   map[candidate.PoolKey]cachedSeries
	onDemand map[string]float64
}

type cachedSeries struct {
	series    cloudapi.PriceSeries
	fetchedAt time.Time
}

var _ cloudapi.PriceProvider = (*PriceClient)(nil)

// PriceClientConfig configures a PriceClient. Nil API clients are built from
// the default credential chain.
type PriceClientConfig struct {
	Region  string
	EC2     ec2.DescribeSpotPriceHistoryAPIClient
	Pricing pricing.GetProductsAPIClient
	// Advisor supplies interruption rates. Without it GetInterruptionRate fails.
	Advisor *SpotAdvisor
	Logger  *slog.Logger
}

// NewPriceClient creates a price client.
func NewPriceClient(ctx context.Context, cfg PriceClientConfig) (*PriceClient, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EC2 == nil || cfg.Pricing == nil {
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		if cfg.EC2 == nil {
			cfg.EC2 = ec2.NewFromConfig(awsCfg)
		}
		if cfg.Pricing == nil {
			cfg.Pricing = pricing.NewFromConfig(awsCfg, func(o *pricing.Options) {
				o.Region = pricingRegion
			})
		}
	}
	return &PriceClient{
		ec2:      cfg.EC2,
		pricing:  cfg.Pricing,
		advisor:  cfg.Advisor,
		region:   cfg.Region,
		logger:   cfg.Logger,
		now:      time.Now,
		series:   make(map[candidate.PoolKey]cachedSeries),
		onDemand: make(map[string]float64),
	}, nil
}

// GetPriceHistory returns the spot price series of pool over window, oldest
// first, with the on-demand reference price attached.
func (c *PriceClient) GetPriceHistory(ctx context.Context, pool candidate.PoolKey, window time.Duration) (cloudapi.PriceSeries, error) {
	if window <= 0 {
		window = cloudapi.DefaultHistoryWindow
	}

	c.mu.RLock()
	cached, ok := c.series[pool]
	c.mu.RUnlock()
	if ok && c.now().Sub(cached.fetchedAt) < CacheTTL {
		return cached.series, nil
	}

	c.logger.Debug("fetching spot price history", "pool", pool.String(), "window", window)

	points, err := c.spotHistory(ctx, pool, c.now().Add(-window))
	if err != nil {
		return cloudapi.PriceSeries{}, err
	}
	if len(points) == 0 {
		return cloudapi.PriceSeries{}, fmt.Errorf("%w: %s", cloudapi.ErrNoPriceData, pool)
	}

	onDemand, err := c.GetOnDemandPrice(ctx, pool.InstanceType)
	if err != nil {
		return cloudapi.PriceSeries{}, fmt.Errorf("on-demand price for %s: %w", pool.InstanceType, err)
	}

	series := cloudapi.PriceSeries{
		Pool:          pool,
		Prices:        points,
		Current:       points[len(points)-1],
		OnDemandPrice: onDemand,
		Volatility:    cloudapi.Volatility(points),
	}

	c.mu.Lock()
	c.series[pool] = cachedSeries{series: series, fetchedAt: c.now()}
	c.mu.Unlock()

	c.logger.Debug("spot price history updated",
		"pool", pool.String(),
		"points", len(points),
		"current_price", series.Current,
		"ondemand_price", onDemand,
	)
	return series, nil
}

func (c *PriceClient) spotHistory(ctx context.Context, pool candidate.PoolKey, since time.Time) ([]float64, error) {
	paginator := ec2.NewDescribeSpotPriceHistoryPaginator(c.ec2, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []types.InstanceType{types.InstanceType(pool.InstanceType)},
		AvailabilityZone:    aws.String(pool.Zone),
		StartTime:           aws.Time(since),
		ProductDescriptions: []string{"Linux/UNIX"},
	})

	var history []types.SpotPrice
	for page := 0; paginator.HasMorePages() && page < maxHistoryPages; page++ {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe spot price history %s: %w", pool, err)
		}
		history = append(history, out.SpotPriceHistory...)
	}

	slices.SortStableFunc(history, func(a, b types.SpotPrice) int {
		return aws.ToTime(a.Timestamp).Compare(aws.ToTime(b.Timestamp))
	})

	prices := make([]float64, 0, len(history))
	for _, p := range history {
		v, err := strconv.ParseFloat(aws.ToString(p.SpotPrice), 64)
		if err != nil || v <= 0 {
			continue
		}
		prices = append(prices, v)
	}
	return prices, nil
}

// GetInterruptionRate returns the Spot Advisor interruption rate of the pool's instance type.
func (c *PriceClient) GetInterruptionRate(_ context.Context, pool candidate.PoolKey) (float64, error) {
	if c.advisor == nil {
		return 0, fmt.Errorf("%w: spot advisor data not configured", cloudapi.ErrNoPriceData)
	}
	return c.advisor.InterruptionRate(pool.InstanceType)
}

// GetOnDemandPrice returns the hourly Linux on-demand price in the client's region.
func (c *PriceClient) GetOnDemandPrice(ctx context.Context, instanceType string) (float64, error) {
	c.mu.RLock()
	price, ok := c.onDemand[instanceType]
	c.mu.RUnlock()
	if ok {
		return price, nil
	}

	term := func(field, value string) pricingtypes.Filter {
		return pricingtypes.Filter{
			Type:  pricingtypes.FilterTypeTermMatch,
			Field: aws.String(field),
			Value: aws.String(value),
		}
	}
	out, err := c.pricing.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			term("instanceType", instanceType),
			term("operatingSystem", "Linux"),
			term("preInstalledSw", "NA"),
			term("tenancy", "Shared"),
			term("capacitystatus", "Used"),
			term("regionCode", c.region),
		},
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		return 0, fmt.Errorf("get products: %w", err)
	}
	if len(out.PriceList) == 0 {
		return 0, fmt.Errorf("%w: no on-demand pricing for %s", cloudapi.ErrNoPriceData, instanceType)
	}

	price, err = parseOnDemandPrice(out.PriceList[0])
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.onDemand[instanceType] = price
	c.mu.Unlock()
	return price, nil
}

// priceListEntry is the subset of a Pricing API product document we read.
type priceListEntry struct {
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				Unit         string            `json:"unit"`
				PricePerUnit map[string]string `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

// parseOnDemandPrice returns the lowest positive hourly USD price in the document.
func parseOnDemandPrice(doc string) (float64, error) {
	var entry priceListEntry
	if err := json.Unmarshal([]byte(doc), &entry); err != nil {
		return 0, fmt.Errorf("parse pricing document: %w", err)
	}

	best, found := 0.0, false
	for _, term := range entry.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			if dim.Unit != "" && dim.Unit != "Hrs" {
				continue
			}
			v, err := strconv.ParseFloat(dim.PricePerUnit["USD"], 64)
			if err != nil || v <= 0 {
				continue
			}
			if !found || v < best {
				best, found = v, true
			}
		}
	}
	if !found {
		return 0, fmt.Errorf("pricing document has no hourly USD on-demand price")
	}
	return best, nil
}
