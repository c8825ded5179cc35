package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/softcane/spot-vortex-governor/internal/cloudapi"
)

// ListAddresses returns every elastic IP in the region.
func (c *Client) ListAddresses(ctx context.Context) ([]cloudapi.Address, error) {
	out, err := c.api.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{})
	if err != nil {
		return nil, fmt.Errorf("describe addresses: %w", err)
	}
	addrs := make([]cloudapi.Address, 0, len(out.Addresses))
	for _, a := range out.Addresses {
		addrs = append(addrs, cloudapi.Address{
			AllocationID: aws.ToString(a.AllocationId),
			PublicIP:     aws.ToString(a.PublicIp),
			Associated:   a.AssociationId != nil,
			Tags:         tagMap(a.Tags),
		})
	}
	return addrs, nil
}

// ListVolumes returns every EBS volume in the region.
func (c *Client) ListVolumes(ctx context.Context) ([]cloudapi.Volume, error) {
	p := ec2.NewDescribeVolumesPaginator(c.api, &ec2.DescribeVolumesInput{})
	var vols []cloudapi.Volume
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe volumes: %w", err)
		}
		for _, v := range out.Volumes {
			vols = append(vols, cloudapi.Volume{
				ID:        aws.ToString(v.VolumeId),
				Attached:  v.State == types.VolumeStateInUse || len(v.Attachments) > 0,
				CreatedAt: aws.ToTime(v.CreateTime),
				SizeGiB:   aws.ToInt32(v.Size),
				Tags:      tagMap(v.Tags),
			})
		}
	}
	return vols, nil
}

// ListSnapshots returns snapshots owned by the account.
func (c *Client) ListSnapshots(ctx context.Context) ([]cloudapi.Snapshot, error) {
	p := ec2.NewDescribeSnapshotsPaginator(c.api, &ec2.DescribeSnapshotsInput{OwnerIds: []string{"self"}})
	var snaps []cloudapi.Snapshot
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe snapshots: %w", err)
		}
		for _, s := range out.Snapshots {
			snaps = append(snaps, cloudapi.Snapshot{
				ID:        aws.ToString(s.SnapshotId),
				VolumeID:  aws.ToString(s.VolumeId),
				StartedAt: aws.ToTime(s.StartTime),
				SizeGiB:   aws.ToInt32(s.VolumeSize),
				Tags:      tagMap(s.Tags),
			})
		}
	}
	return snaps, nil
}

// ListImages returns images owned by the account with their backing snapshots.
func (c *Client) ListImages(ctx context.Context) ([]cloudapi.Image, error) {
	p := ec2.NewDescribeImagesPaginator(c.api, &ec2.DescribeImagesInput{Owners: []string{"self"}})
	var images []cloudapi.Image
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe images: %w", err)
		}
		for _, img := range out.Images {
			ref := cloudapi.Image{ID: aws.ToString(img.ImageId)}
			for _, m := range img.BlockDeviceMappings {
				if m.Ebs != nil && m.Ebs.SnapshotId != nil {
					ref.SnapshotIDs = append(ref.SnapshotIDs, aws.ToString(m.Ebs.SnapshotId))
				}
			}
			images = append(images, ref)
		}
	}
	return images, nil
}

// ListInstances returns running instances.
func (c *Client) ListInstances(ctx context.Context) ([]cloudapi.Instance, error) {
	p := ec2.NewDescribeInstancesPaginator(c.api, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{
			Name:   aws.String("instance-state-name"),
			Values: []string{string(types.InstanceStateNameRunning)},
		}},
	})
	var insts []cloudapi.Instance
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}
		for _, r := range out.Reservations {
			for _, inst := range r.Instances {
				insts = append(insts, cloudapi.Instance{
					ID:         aws.ToString(inst.InstanceId),
					Pool:       instancePool(inst),
					Spot:       isSpot(inst),
					LaunchedAt: launchTime(inst),
					Tags:       tagMap(inst.Tags),
				})
			}
		}
	}
	return insts, nil
}

// TagResource sets tags on an instance, volume or any other taggable resource.
func (c *Client) TagResource(ctx context.Context, resourceID string, tags map[string]string) error {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ec2Tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		ec2Tags = append(ec2Tags, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	if _, err := c.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{resourceID},
		Tags:      ec2Tags,
	}); err != nil {
		return fmt.Errorf("tag %s: %w", resourceID, err)
	}
	return nil
}

// UntagResource removes the tag keys from a resource.
func (c *Client) UntagResource(ctx context.Context, resourceID string, keys ...string) error {
	ec2Tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		ec2Tags = append(ec2Tags, types.Tag{Key: aws.String(k)})
	}
	if _, err := c.api.DeleteTags(ctx, &ec2.DeleteTagsInput{
		Resources: []string{resourceID},
		Tags:      ec2Tags,
	}); err != nil {
		return fmt.Errorf("untag %s: %w", resourceID, err)
	}
	return nil
}
