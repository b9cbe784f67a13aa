package provision

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/deployer/internal/model"
)

const (
	clusterStatusApplying = "applying"
	clusterStatusActive   = "active"
	clusterStatusFailed   = "failed"
)

// clusterState is the infrastructure engine's view of one cluster.
type clusterState struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Endpoint string `json:"endpoint,omitempty"`
	Message  string `json:"message,omitempty"`
}

// HTTPProvisioner drives the infrastructure engine's declarative apply API.
// The engine owns the spec-vs-live diff; submitting an already-satisfied
// spec reports active immediately with no changes.
type HTTPProvisioner struct {
	client  *resty.Client
	baseURL string

	// PollInterval is how often cluster status is re-read while an apply
	// is in flight.
	PollInterval time.Duration
}

// NewHTTPProvisioner creates a provisioner adapter for the engine at baseURL.
func NewHTTPProvisioner(baseURL string) *HTTPProvisioner {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)

	return &HTTPProvisioner{
		client:       client,
		baseURL:      baseURL,
		PollInterval: 15 * time.Second,
	}
}

// EnsureCluster submits the desired topology and blocks until the engine
// reports the cluster active, the engine reports a terminal failure, or ctx
// expires.
func (p *HTTPProvisioner) EnsureCluster(ctx context.Context, spec model.ClusterSpec) (*ClusterHandle, error) {
	logger := log.FromContext(ctx).WithName("provisioner")

	if err := spec.Validate(); err != nil {
		return nil, &Error{Reason: ReasonInvalidSpec, Message: err.Error()}
	}

	var state clusterState
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(spec).
		SetResult(&state).
		Put(p.clusterURL(spec.Name))
	if err != nil {
		return nil, &Error{Reason: ReasonProviderFailure, Message: err.Error()}
	}
	if perr := classifyResponse(resp, &state); perr != nil {
		return nil, perr
	}

	if state.Status == clusterStatusActive {
		logger.Info("cluster already satisfies desired topology, no apply issued",
			"cluster", spec.Name,
			"endpoint", state.Endpoint,
		)
		return p.handle(spec.Name, state.Endpoint), nil
	}

	logger.Info("apply issued, waiting for cluster to become active",
		"cluster", spec.Name,
		"status", state.Status,
	)

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, &Error{
					Reason:  ReasonTimeout,
					Message: fmt.Sprintf("apply for cluster %s did not reach active in time", spec.Name),
				}
			}
			return nil, ctx.Err()
		case <-ticker.C:
			state, err := p.readState(ctx, spec.Name)
			if err != nil {
				logger.Error(err, "failed to read cluster state, will retry", "cluster", spec.Name)
				continue
			}
			switch state.Status {
			case clusterStatusActive:
				logger.Info("cluster active", "cluster", spec.Name, "endpoint", state.Endpoint)
				return p.handle(spec.Name, state.Endpoint), nil
			case clusterStatusFailed:
				return nil, &Error{Reason: ReasonProviderFailure, Message: state.Message}
			case clusterStatusApplying:
				// still converging
			}
		}
	}
}

func (p *HTTPProvisioner) readState(ctx context.Context, name string) (*clusterState, error) {
	var state clusterState
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&state).
		Get(p.clusterURL(name))
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("engine returned status %d reading cluster %s", resp.StatusCode(), name)
	}
	return &state, nil
}

func (p *HTTPProvisioner) handle(name, endpoint string) *ClusterHandle {
	return NewClusterHandle(name, endpoint, func(ctx context.Context) bool {
		state, err := p.readState(ctx, name)
		return err == nil && state.Status == clusterStatusActive
	})
}

func (p *HTTPProvisioner) clusterURL(name string) string {
	return p.baseURL + "/v1/clusters/" + name
}

// classifyResponse maps engine HTTP failures onto provisioning error classes.
func classifyResponse(resp *resty.Response, state *clusterState) *Error {
	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == http.StatusUnprocessableEntity || resp.StatusCode() == http.StatusBadRequest:
		return &Error{Reason: ReasonInvalidSpec, Message: responseMessage(resp, state)}
	case resp.StatusCode() == http.StatusTooManyRequests:
		return &Error{Reason: ReasonQuotaExceeded, Message: responseMessage(resp, state)}
	default:
		return &Error{Reason: ReasonProviderFailure, Message: responseMessage(resp, state)}
	}
}

func responseMessage(resp *resty.Response, state *clusterState) string {
	if state != nil && state.Message != "" {
		return state.Message
	}
	return fmt.Sprintf("engine returned status %d: %s", resp.StatusCode(), resp.String())
}
