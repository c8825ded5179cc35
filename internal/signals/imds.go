package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/softcane/spot-vortex-governor/internal/candidate"
)

// Instance metadata paths.
const (
	pathInstanceID     = "instance-id"
	pathInstanceAction = "spot/instance-action"
	pathRebalance      = "events/recommendations/rebalance"
)

// MetadataClient is the subset of the IMDS client the provider uses.
type MetadataClient interface {
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// IMDSProvider reports the signals EC2 publishes to the local instance.
// It sees only the instance it runs on.
type IMDSProvider struct {
	client MetadataClient
	logger *slog.Logger

	mu         sync.Mutex
	instanceID string
}

// NewIMDSProvider creates a provider. A nil client uses imds.New with defaults.
func NewIMDSProvider(client MetadataClient, logger *slog.Logger) *IMDSProvider {
	if client == nil {
		client = imds.New(imds.Options{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IMDSProvider{client: client, logger: logger}
}

// Name implements Provider.
func (p *IMDSProvider) Name() string { return "imds" }

type instanceAction struct {
	Action string    `json:"action"`
	Time   time.Time `json:"time"`
}

type rebalanceNotice struct {
	NoticeTime time.Time `json:"noticeTime"`
}

// Poll implements Provider. A pending instance action wins over a
// rebalance recommendation.
func (p *IMDSProvider) Poll(ctx context.Context) ([]Observation, error) {
	id, err := p.resolveInstanceID(ctx)
	if err != nil {
		return nil, err
	}

	var action instanceAction
	found, err := p.getJSON(ctx, pathInstanceAction, &action)
	if err != nil {
		return nil, err
	}
	if found {
		// terminate, stop and hibernate all take the capacity away.
		return []Observation{{ResourceID: id, Signal: candidate.SignalTerminationNotice, NoticeTime: action.Time}}, nil
	}

	var rebalance rebalanceNotice
	found, err = p.getJSON(ctx, pathRebalance, &rebalance)
	if err != nil {
		return nil, err
	}
	if found {
		return []Observation{{ResourceID: id, Signal: candidate.SignalRebalanceRecommendation, NoticeTime: rebalance.NoticeTime}}, nil
	}
	return nil, nil
}

func (p *IMDSProvider) resolveInstanceID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.instanceID != "" {
		return p.instanceID, nil
	}
	body, found, err := p.get(ctx, pathInstanceID)
	if err != nil {
		return "", err
	}
	if !found || len(body) == 0 {
		return "", errors.New("signals: instance id not published by IMDS")
	}
	p.instanceID = string(body)
	p.logger.Debug("resolved local instance from IMDS", "instance_id", p.instanceID)
	return p.instanceID, nil
}

func (p *IMDSProvider) getJSON(ctx context.Context, path string, v any) (bool, error) {
	body, found, err := p.get(ctx, path)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// get returns found=false when the path answers 404, which is how IMDS
// says no notice is pending.
func (p *IMDSProvider) get(ctx context.Context, path string) ([]byte, bool, error) {
	out, err := p.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		var re *smithyhttp.ResponseError
		if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("imds %s: %w", path, err)
	}
	defer out.Content.Close()
	body, err := io.ReadAll(out.Content)
	if err != nil {
		return nil, false, fmt.Errorf("read imds %s: %w", path, err)
	}
	return body, true, nil
}
