package cloudapi

import "errors"

// Sentinel errors for cloud operations.
var (
	// ErrNoProvider is returned when attempting live operations without a configured provider.
	ErrNoProvider = errors.New("cloudapi: no provider configured for live operations")

	// ErrLaunchFailed is returned when new capacity could not be launched.
	ErrLaunchFailed = errors.New("cloudapi: instance launch failed")

	// ErrSpotUnavailable is returned when the pool has no spot capacity.
	ErrSpotUnavailable = errors.New("cloudapi: spot capacity unavailable")

	// ErrNoPriceData is returned when a pool has no price history in the window.
	ErrNoPriceData = errors.New("cloudapi: no price data")

	// ErrUnknownResource is returned when an instance id cannot be resolved.
	ErrUnknownResource = errors.New("cloudapi: unknown resource")
)
