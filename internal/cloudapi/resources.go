package cloudapi

import (
	"time"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

// Address is an elastic/static IP.
type Address struct {
	AllocationID string
	PublicIP     string
	Associated   bool
	Tags         map[string]string
}

// Volume is a block storage volume.
type Volume struct {
	ID        string
	Attached  bool
	CreatedAt time.Time
	SizeGiB   int32
	Tags      map[string]string
}

// Snapshot is a block storage snapshot owned by the account.
type Snapshot struct {
	ID        string
	VolumeID  string
	StartedAt time.Time
	SizeGiB   int32
	Tags      map[string]string
}

// Image is a machine image owned by the account and the snapshots backing it.
type Image struct {
	ID          string
	SnapshotIDs []string
}

// Instance is a running compute instance.
type Instance struct {
	ID         string
	Pool       candidate.PoolKey
	Spot       bool
	LaunchedAt time.Time
	Tags       map[string]string
}
