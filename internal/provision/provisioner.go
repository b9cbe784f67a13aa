package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/apptrail-sh/deployer/internal/model"
)

// Reason classifies a provisioning failure. Quota, timeout and provider
// failures are transient from the caller's point of view; an invalid spec
// is a configuration defect and is never retried.
type Reason string

const (
	ReasonQuotaExceeded   Reason = "QuotaExceeded"
	ReasonInvalidSpec     Reason = "InvalidSpec"
	ReasonTimeout         Reason = "Timeout"
	ReasonProviderFailure Reason = "ProviderFailure"
)

// Error is a classified provisioning failure.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provision failed (%s): %s", e.Reason, e.Message)
}

// Retryable reports whether a fresh attempt can plausibly succeed.
func (e *Error) Retryable() bool {
	return e.Reason != ReasonInvalidSpec
}

// ClusterHandle is the usable result of a successful provisioning run: the
// cluster's API endpoint plus a readiness predicate.
type ClusterHandle struct {
	Name     string
	Endpoint string

	ready func(ctx context.Context) bool
}

// NewClusterHandle builds a handle with the given readiness predicate.
// A nil predicate yields a handle that always reports ready.
func NewClusterHandle(name, endpoint string, ready func(ctx context.Context) bool) *ClusterHandle {
	return &ClusterHandle{Name: name, Endpoint: endpoint, ready: ready}
}

// Ready reports whether the cluster API is currently reachable and active.
func (h *ClusterHandle) Ready(ctx context.Context) bool {
	if h.ready == nil {
		return true
	}
	return h.ready(ctx)
}

// Provisioner drives an idempotent infrastructure apply toward a declared
// desired cluster topology. Implementations block until the cluster is
// active or a terminal failure is reached.
type Provisioner interface {
	EnsureCluster(ctx context.Context, spec model.ClusterSpec) (*ClusterHandle, error)
}

// retrying wraps a Provisioner with exponential backoff for retryable
// failure classes.
type retrying struct {
	inner    Provisioner
	attempts uint64
	base     time.Duration
}

// WithRetry decorates p so retryable provisioning failures are re-attempted
// with exponential backoff, up to attempts total tries. Non-retryable
// failures propagate immediately.
func WithRetry(p Provisioner, attempts uint64, base time.Duration) Provisioner {
	if attempts < 1 {
		attempts = 1
	}
	return &retrying{inner: p, attempts: attempts, base: base}
}

func (r *retrying) EnsureCluster(ctx context.Context, spec model.ClusterSpec) (*ClusterHandle, error) {
	var handle *ClusterHandle

	backoff := retry.WithMaxRetries(r.attempts-1, retry.NewExponential(r.base))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		h, err := r.inner.EnsureCluster(ctx, spec)
		if err != nil {
			var perr *Error
			if errors.As(err, &perr) && perr.Retryable() {
				return retry.RetryableError(err)
			}
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}
