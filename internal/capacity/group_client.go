package capacity

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// GroupInfo describes a fixed-size instance group.
type GroupInfo struct {
	Name            string
	DesiredCapacity int32
	MinSize         int32
	MaxSize         int32
	// Instances are the in-service member instance IDs.
	Instances []string
	// LaunchTemplate is used to launch replacements with the group's configuration.
	LaunchTemplate string
}

// Has reports whether id is a member.
func (g GroupInfo) Has(id string) bool {
	return slices.Contains(g.Instances, id)
}

// GroupClient manages instance group membership.
type GroupClient interface {
	DescribeGroup(ctx context.Context, group string) (GroupInfo, error)

	// AttachInstance adds a running instance and raises desired capacity by one.
	AttachInstance(ctx context.Context, group, instanceID string) error

	// DetachInstance removes an instance and lowers desired capacity by one.
	// Detaching an instance that is no longer a member succeeds.
	DetachInstance(ctx context.Context, group, instanceID string) error
}

// FakeGroupClient is an in-memory GroupClient. It records every membership
// change and the lowest live size each group reached.
type FakeGroupClient struct {
	mu      sync.Mutex
	groups  map[string]*GroupInfo
	minLive map[string]int

	// Events lists "attach:<id>" and "detach:<id>" in call order.
	Events []string

	// AttachErr fails every attach when set.
	AttachErr error

	// DetachFailures is how many upcoming detaches fail with DetachErr.
	DetachFailures int
	DetachErr      error
}

// NewFakeGroupClient creates an empty fake.
func NewFakeGroupClient() *FakeGroupClient {
	return &FakeGroupClient{groups: make(map[string]*GroupInfo), minLive: make(map[string]int)}
}

// AddGroup registers a group whose desired capacity equals its member count.
func (f *FakeGroupClient) AddGroup(name string, maxSize int32, instances ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[name] = &GroupInfo{
		Name:            name,
		DesiredCapacity: int32(len(instances)),
		MinSize:         int32(len(instances)),
		MaxSize:         maxSize,
		Instances:       append([]string(nil), instances...),
		LaunchTemplate:  name + "-lt",
	}
	f.minLive[name] = len(instances)
}

func (f *FakeGroupClient) DescribeGroup(_ context.Context, group string) (GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[group]
	if !ok {
		return GroupInfo{}, fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	cp := *g
	cp.Instances = append([]string(nil), g.Instances...)
	return cp, nil
}

func (f *FakeGroupClient) AttachInstance(_ context.Context, group, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AttachErr != nil {
		return f.AttachErr
	}
	g, ok := f.groups[group]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	if g.DesiredCapacity+1 > g.MaxSize {
		return fmt.Errorf("attach %s: desired %d would exceed max %d", instanceID, g.DesiredCapacity+1, g.MaxSize)
	}
	if !g.Has(instanceID) {
		g.Instances = append(g.Instances, instanceID)
		g.DesiredCapacity++
	}
	f.Events = append(f.Events, "attach:"+instanceID)
	f.observe(group)
	return nil
}

func (f *FakeGroupClient) DetachInstance(_ context.Context, group, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DetachFailures > 0 {
		f.DetachFailures--
		return f.DetachErr
	}
	g, ok := f.groups[group]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	if i := slices.Index(g.Instances, instanceID); i >= 0 {
		g.Instances = slices.Delete(g.Instances, i, i+1)
		g.DesiredCapacity--
	}
	f.Events = append(f.Events, "detach:"+instanceID)
	f.observe(group)
	return nil
}

func (f *FakeGroupClient) observe(group string) {
	if n := len(f.groups[group].Instances); n < f.minLive[group] {
		f.minLive[group] = n
	}
}

// MinLive returns the smallest member count group has had since it was added.
func (f *FakeGroupClient) MinLive(group string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.minLive[group]
}

var _ GroupClient = (*FakeGroupClient)(nil)
