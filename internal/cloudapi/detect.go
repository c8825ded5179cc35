package cloudapi

import (
	"context"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// CloudType represents a cloud provider.
type CloudType string

const (
	CloudTypeAWS     CloudType = "aws"
	CloudTypeGCP     CloudType = "gcp"
	CloudTypeUnknown CloudType = "unknown"
)

const metadataProbeTimeout = 2 * time.Second

// DetectCloud detects the cloud from environment variables, then from the
// instance metadata services.
func DetectCloud(ctx context.Context) CloudType {
	if cloud := detectFromEnv(); cloud != CloudTypeUnknown {
		return cloud
	}
	return detectFromMetadata(ctx)
}

func detectFromEnv() CloudType {
	for _, k := range []string{"AWS_REGION", "AWS_DEFAULT_REGION", "AWS_EXECUTION_ENV"} {
		if os.Getenv(k) != "" {
			return CloudTypeAWS
		}
	}
	for _, k := range []string{"GOOGLE_CLOUD_PROJECT", "GCP_PROJECT", "GOOGLE_APPLICATION_CREDENTIALS"} {
		if os.Getenv(k) != "" {
			return CloudTypeGCP
		}
	}
	return CloudTypeUnknown
}

func detectFromMetadata(ctx context.Context) CloudType {
	ctx, cancel := context.WithTimeout(ctx, metadataProbeTimeout)
	defer cancel()

	if metadata.OnGCEWithContext(ctx) {
		return CloudTypeGCP
	}
	if _, err := imds.New(imds.Options{}).GetRegion(ctx, &imds.GetRegionInput{}); err == nil {
		return CloudTypeAWS
	}
	return CloudTypeUnknown
}

// ProviderID is a parsed Kubernetes node spec.providerID.
type ProviderID struct {
	Cloud      CloudType
	Zone       string
	InstanceID string
}

// ParseProviderID parses "aws:///us-east-1a/i-0abc" and
// "gce://project/us-central1-a/instance-name".
func ParseProviderID(raw string) (ProviderID, bool) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return ProviderID{}, false
	}
	parts := strings.Split(strings.TrimPrefix(rest, "/"), "/")
	switch scheme {
	case "aws":
		// aws:///zone/instance or aws:///instance
		switch len(parts) {
		case 1:
			return ProviderID{Cloud: CloudTypeAWS, InstanceID: parts[0]}, parts[0] != ""
		case 2:
			return ProviderID{Cloud: CloudTypeAWS, Zone: parts[0], InstanceID: parts[1]}, parts[1] != ""
		}
	case "gce":
		if len(parts) == 3 {
			return ProviderID{Cloud: CloudTypeGCP, Zone: parts[1], InstanceID: parts[2]}, parts[2] != ""
		}
	}
	return ProviderID{}, false
}
