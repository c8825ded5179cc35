package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/smithy-go"
)

// AutoScalingAPI is the subset of the Auto Scaling API used for swaps.
type AutoScalingAPI interface {
	autoscaling.DescribeAutoScalingGroupsAPIClient
	AttachInstances(ctx context.Context, in *autoscaling.AttachInstancesInput, optFns ...func(*autoscaling.Options)) (*autoscaling.AttachInstancesOutput, error)
	DetachInstances(ctx context.Context, in *autoscaling.DetachInstancesInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DetachInstancesOutput, error)
}

// AWSGroupClient implements GroupClient over EC2 Auto Scaling groups.
type AWSGroupClient struct {
	api    AutoScalingAPI
	logger *slog.Logger
}

// NewAWSGroupClient wraps an Auto Scaling client.
func NewAWSGroupClient(api AutoScalingAPI, logger *slog.Logger) *AWSGroupClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AWSGroupClient{api: api, logger: logger}
}

// DescribeGroup returns the group's size and in-service members.
func (c *AWSGroupClient) DescribeGroup(ctx context.Context, group string) (GroupInfo, error) {
	p := autoscaling.NewDescribeAutoScalingGroupsPaginator(c.api, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{group},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return GroupInfo{}, fmt.Errorf("describe group %s: %w", group, err)
		}
		for _, g := range page.AutoScalingGroups {
			if aws.ToString(g.AutoScalingGroupName) == group {
				return groupInfoFromAWS(g), nil
			}
		}
	}
	return GroupInfo{}, fmt.Errorf("%w: %s", ErrGroupNotFound, group)
}

// AttachInstance attaches a running instance. Auto Scaling raises desired
// capacity by the number of attached instances.
func (c *AWSGroupClient) AttachInstance(ctx context.Context, group, instanceID string) error {
	_, err := c.api.AttachInstances(ctx, &autoscaling.AttachInstancesInput{
		AutoScalingGroupName: aws.String(group),
		InstanceIds:          []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("attach %s to group %s: %w", instanceID, group, err)
	}
	c.logger.Info("attached instance to group", "group", group, "instance_id", instanceID)
	return nil
}

// DetachInstance detaches and decrements desired capacity. A validation error
// saying the instance is not part of the group is treated as already done.
func (c *AWSGroupClient) DetachInstance(ctx context.Context, group, instanceID string) error {
	_, err := c.api.DetachInstances(ctx, &autoscaling.DetachInstancesInput{
		AutoScalingGroupName:           aws.String(group),
		InstanceIds:                    []string{instanceID},
		ShouldDecrementDesiredCapacity: aws.Bool(true),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationError" &&
			strings.Contains(apiErr.ErrorMessage(), "not part of Auto Scaling group") {
			return nil
		}
		return fmt.Errorf("detach %s from group %s: %w", instanceID, group, err)
	}
	c.logger.Info("detached instance from group", "group", group, "instance_id", instanceID)
	return nil
}

func groupInfoFromAWS(g types.AutoScalingGroup) GroupInfo {
	info := GroupInfo{
		Name:            aws.ToString(g.AutoScalingGroupName),
		DesiredCapacity: aws.ToInt32(g.DesiredCapacity),
		MinSize:         aws.ToInt32(g.MinSize),
		MaxSize:         aws.ToInt32(g.MaxSize),
	}
	for _, inst := range g.Instances {
		if inst.InstanceId == nil || inst.LifecycleState != types.LifecycleStateInService {
			continue
		}
		info.Instances = append(info.Instances, *inst.InstanceId)
	}
	switch {
	case g.LaunchTemplate != nil:
		info.LaunchTemplate = aws.ToString(g.LaunchTemplate.LaunchTemplateName)
	case g.MixedInstancesPolicy != nil && g.MixedInstancesPolicy.LaunchTemplate != nil &&
		g.MixedInstancesPolicy.LaunchTemplate.LaunchTemplateSpecification != nil:
		info.LaunchTemplate = aws.ToString(g.MixedInstancesPolicy.LaunchTemplate.LaunchTemplateSpecification.LaunchTemplateName)
	}
	return info
}

var _ GroupClient = (*AWSGroupClient)(nil)
