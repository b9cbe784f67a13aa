package progress

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/deployer/internal/orchestrator"
)

// Update is one progress beacon emitted while a deployment runs.
type Update struct {
	Environment string    `json:"environment"`
	State       string    `json:"state"`
	Tier        string    `json:"tier,omitempty"`
	SentAt      time.Time `json:"sentAt"`
}

// Publisher delivers progress updates to an external sink.
type Publisher interface {
	PublishProgress(ctx context.Context, update Update) error
}

// Config holds configuration for the progress reporter.
type Config struct {
	Interval    time.Duration
	Environment string
}

// DefaultConfig returns the default reporter configuration.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second}
}

// Reporter periodically reports the orchestrator's current state while a
// deployment is in flight, so operators can follow a long provision or
// rollout without access to the deployer's logs.
type Reporter struct {
	config     Config
	snapshot   func() orchestrator.Snapshot
	publishers []Publisher
	stopCh     chan struct{}
}

// NewReporter creates a reporter over the given snapshot source.
func NewReporter(config Config, snapshot func() orchestrator.Snapshot, publishers []Publisher) *Reporter {
	return &Reporter{
		config:     config,
		snapshot:   snapshot,
		publishers: publishers,
		stopCh:     make(chan struct{}),
	}
}

// Start runs the reporting loop until Stop is called or ctx is cancelled.
func (r *Reporter) Start(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("progress-reporter")

	logger.Info("starting progress reporter",
		"interval", r.config.Interval,
		"publishers", len(r.publishers),
	)

	// Report the initial state immediately.
	r.report(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.report(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the reporting loop.
func (r *Reporter) Stop() {
	close(r.stopCh)
}

func (r *Reporter) report(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("progress-reporter")

	snap := r.snapshot()
	update := Update{
		Environment: r.config.Environment,
		State:       string(snap.State),
		Tier:        string(snap.Tier),
		SentAt:      time.Now().UTC(),
	}

	for _, publisher := range r.publishers {
		if err := publisher.PublishProgress(ctx, update); err != nil {
			logger.Error(err, "failed to publish progress update", "state", update.State)
		}
	}
}

// HTTPPublisher posts progress updates to a control plane endpoint.
type HTTPPublisher struct {
	client   *resty.Client
	endpoint string
}

// NewHTTPPublisher creates a progress publisher for the given endpoint.
func NewHTTPPublisher(endpoint string) *HTTPPublisher {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)

	return &HTTPPublisher{
		client:   client,
		endpoint: endpoint,
	}
}

func (p *HTTPPublisher) PublishProgress(ctx context.Context, update Update) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(update).
		Post(p.endpoint)
	if err != nil {
		return fmt.Errorf("failed to send progress update: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("progress endpoint returned status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
