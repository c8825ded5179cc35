package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
)

// EC2API is the subset of the EC2 client used by Client.
type EC2API interface {
	ec2.DescribeInstanceTypeOfferingsAPIClient
	ec2.DescribeInstanceTypesAPIClient
	ec2.DescribeInstancesAPIClient
	ec2.DescribeInstanceStatusAPIClient
	ec2.DescribeVolumesAPIClient
	ec2.DescribeSnapshotsAPIClient
	ec2.DescribeImagesAPIClient
	DescribeAddresses(ctx context.Context, params *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DeleteTags(ctx context.Context, params *ec2.DeleteTagsInput, optFns ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error)
}

// describeTypesBatch is the DescribeInstanceTypes limit on explicit types.
const describeTypesBatch = 100

// spotCapacityCodes are RunInstances error codes meaning the pool has no capacity.
var spotCapacityCodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"SpotMaxPriceTooLow":           true,
	"MaxSpotInstanceCountExceeded": true,
	"InsufficientCapacity":         true,
}

// Client implements inventory, instance control and governance listings on EC2.
type Client struct {
	api    EC2API
	region string
	// instanceTypes restricts fleet candidates. Entries may use EC2 filter
	// wildcards such as "m5.*".
	instanceTypes []string
	logger        *slog.Logger
}

var (
	_ cloudapi.Inventory      = (*Client)(nil)
	_ cloudapi.Infrastructure = (*Client)(nil)
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Region        string
	InstanceTypes []string
	API           EC2API
	Logger        *slog.Logger
}

// NewClient builds a Client. A nil API is built from the default credential chain.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.API == nil {
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		cfg.API = ec2.NewFromConfig(awsCfg)
	}
	return &Client{
		api:           cfg.API,
		region:        cfg.Region,
		instanceTypes: cfg.InstanceTypes,
		logger:        cfg.Logger,
	}, nil
}

// ListCandidates returns one seed per (instance type, zone) offering in the region.
func (c *Client) ListCandidates(ctx context.Context, req candidate.Request) ([]candidate.Seed, error) {
	filters := []types.Filter{}
	if len(c.instanceTypes) > 0 {
		filters = append(filters, types.Filter{Name: aws.String("instance-type"), Values: c.instanceTypes})
	}
	offerings := ec2.NewDescribeInstanceTypeOfferingsPaginator(c.api, &ec2.DescribeInstanceTypeOfferingsInput{
		LocationType: types.LocationTypeAvailabilityZone,
		Filters:      filters,
	})

	zonesByType := make(map[string][]string)
	for offerings.HasMorePages() {
		out, err := offerings.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instance type offerings: %w", err)
		}
		for _, o := range out.InstanceTypeOfferings {
			it := string(o.InstanceType)
			zonesByType[it] = append(zonesByType[it], aws.ToString(o.Location))
		}
	}

	// The current placement is always a candidate even if filtered out above.
	if cur := req.Current.Pool; cur.InstanceType != "" && !slices.Contains(zonesByType[cur.InstanceType], cur.Zone) {
		zonesByType[cur.InstanceType] = append(zonesByType[cur.InstanceType], cur.Zone)
	}

	names := make([]string, 0, len(zonesByType))
	for it := range zonesByType {
		names = append(names, it)
	}
	slices.Sort(names)

	info, err := c.describeTypes(ctx, names)
	if err != nil {
		return nil, err
	}

	var seeds []candidate.Seed
	for _, it := range names {
		hw, ok := info[it]
		if !ok {
			continue
		}
		zones := zonesByType[it]
		slices.Sort(zones)
		for _, z := range slices.Compact(zones) {
			seed := hw
			seed.Pool = candidate.PoolKey{InstanceType: it, Zone: z}
			seed.Region = c.region
			seeds = append(seeds, seed)
		}
	}
	c.logger.Debug("listed fleet candidates", "types", len(names), "candidates", len(seeds))
	return seeds, nil
}

func (c *Client) describeTypes(ctx context.Context, names []string) (map[string]candidate.Seed, error) {
	out := make(map[string]candidate.Seed, len(names))
	for batch := range slices.Chunk(names, describeTypesBatch) {
		typed := make([]types.InstanceType, len(batch))
		for i, n := range batch {
			typed[i] = types.InstanceType(n)
		}
		p := ec2.NewDescribeInstanceTypesPaginator(c.api, &ec2.DescribeInstanceTypesInput{InstanceTypes: typed})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("describe instance types: %w", err)
			}
			for _, t := range page.InstanceTypes {
				seed := candidate.Seed{}
				if t.VCpuInfo != nil {
					seed.VCPU = aws.ToInt32(t.VCpuInfo.DefaultVCpus)
				}
				if t.MemoryInfo != nil {
					seed.MemoryMiB = aws.ToInt64(t.MemoryInfo.SizeInMiB)
				}
				if t.ProcessorInfo != nil && len(t.ProcessorInfo.SupportedArchitectures) > 0 {
					seed.Architecture = string(t.ProcessorInfo.SupportedArchitectures[0])
				}
				out[string(t.InstanceType)] = seed
			}
		}
	}
	return out, nil
}

// GetResourceTags returns the tags of an instance.
func (c *Client) GetResourceTags(ctx context.Context, resourceID string) (map[string]string, error) {
	inst, err := c.describeInstance(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return tagMap(inst.Tags), nil
}

// PoolForResource returns the pool an instance runs in.
func (c *Client) PoolForResource(ctx context.Context, resourceID string) (candidate.PoolKey, error) {
	inst, err := c.describeInstance(ctx, resourceID)
	if err != nil {
		return candidate.PoolKey{}, err
	}
	return instancePool(inst), nil
}

func (c *Client) describeInstance(ctx context.Context, id string) (types.Instance, error) {
	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		if apiErrorCode(err) == "InvalidInstanceID.NotFound" {
			return types.Instance{}, fmt.Errorf("%w: %s", cloudapi.ErrUnknownResource, id)
		}
		return types.Instance{}, fmt.Errorf("describe instance %s: %w", id, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			return inst, nil
		}
	}
	return types.Instance{}, fmt.Errorf("%w: %s", cloudapi.ErrUnknownResource, id)
}

// Launch runs one instance in the pool from the configured launch template.
func (c *Client) Launch(ctx context.Context, spec cloudapi.LaunchSpec) (cloudapi.InstanceHandle, error) {
	in := &ec2.RunInstancesInput{
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		InstanceType: types.InstanceType(spec.Pool.InstanceType),
		Placement:    &types.Placement{AvailabilityZone: aws.String(spec.Pool.Zone)},
	}
	if spec.LaunchTemplate != "" {
		in.LaunchTemplate = &types.LaunchTemplateSpecification{
			LaunchTemplateName: aws.String(spec.LaunchTemplate),
			Version:            aws.String("$Latest"),
		}
	}
	if spec.Spot {
		in.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType:             types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}
	tags := map[string]string{}
	for k, v := range spec.Tags {
		tags[k] = v
	}
	if spec.ReplacesID != "" {
		tags["spotvortex.io/replaces"] = spec.ReplacesID
	}
	if len(tags) > 0 {
		in.TagSpecifications = []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         ec2Tags(tags),
		}}
	}

	out, err := c.api.RunInstances(ctx, in)
	if err != nil {
		if spotCapacityCodes[apiErrorCode(err)] {
			return cloudapi.InstanceHandle{}, fmt.Errorf("%w: %s: %v", cloudapi.ErrSpotUnavailable, spec.Pool, err)
		}
		return cloudapi.InstanceHandle{}, fmt.Errorf("%w: %s: %v", cloudapi.ErrLaunchFailed, spec.Pool, err)
	}
	if len(out.Instances) == 0 {
		return cloudapi.InstanceHandle{}, fmt.Errorf("%w: %s: no instance returned", cloudapi.ErrLaunchFailed, spec.Pool)
	}

	inst := out.Instances[0]
	c.logger.Info("instance launched",
		"instance_id", aws.ToString(inst.InstanceId),
		"pool", spec.Pool.String(),
		"spot", spec.Spot,
	)
	return cloudapi.InstanceHandle{
		ID:         aws.ToString(inst.InstanceId),
		Pool:       spec.Pool,
		Spot:       spec.Spot,
		LaunchedAt: aws.ToTime(inst.LaunchTime),
	}, nil
}

// Terminate terminates an instance. An already-gone instance is not an error.
func (c *Client) Terminate(ctx context.Context, instanceID string) error {
	_, err := c.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		if apiErrorCode(err) == "InvalidInstanceID.NotFound" {
			return nil
		}
		return fmt.Errorf("terminate instance %s: %w", instanceID, err)
	}
	c.logger.Info("instance terminated", "instance_id", instanceID)
	return nil
}

// InstanceHealthy reports whether the instance is running with both status checks ok.
func (c *Client) InstanceHealthy(ctx context.Context, instanceID string) (bool, error) {
	out, err := c.api.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{instanceID},
		IncludeAllInstances: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("describe instance status %s: %w", instanceID, err)
	}
	for _, s := range out.InstanceStatuses {
		if s.InstanceState == nil || s.InstanceState.Name != types.InstanceStateNameRunning {
			return false, nil
		}
		return statusOK(s.InstanceStatus) && statusOK(s.SystemStatus), nil
	}
	return false, nil
}

func statusOK(s *types.InstanceStatusSummary) bool {
	return s != nil && s.Status == types.SummaryStatusOk
}

func instancePool(inst types.Instance) candidate.PoolKey {
	zone := ""
	if inst.Placement != nil {
		zone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	return candidate.PoolKey{InstanceType: string(inst.InstanceType), Zone: zone}
}

func tagMap(tags []types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

func ec2Tags(m map[string]string) []types.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]types.Tag, 0, len(m))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return out
}

func apiErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func launchTime(inst types.Instance) time.Time {
	return aws.ToTime(inst.LaunchTime)
}

func isSpot(inst types.Instance) bool {
	return inst.InstanceLifecycle == types.InstanceLifecycleTypeSpot
}
