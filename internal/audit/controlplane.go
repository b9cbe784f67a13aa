package audit

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/deployer/internal/model"
)

// recordEnvelope is the wire form of a rollout record sent to the control
// plane, carrying enough source metadata to attribute it.
type recordEnvelope struct {
	model.RolloutRecord
	Environment     string `json:"environment"`
	ClusterName     string `json:"clusterName"`
	DeployerVersion string `json:"deployerVersion"`
}

// HTTPPublisher sends rollout records to the control plane's ingest endpoint.
type HTTPPublisher struct {
	client          *resty.Client
	endpoint        string
	environment     string
	clusterName     string
	deployerVersion string
}

// NewHTTPPublisher creates an HTTP publisher for the control plane.
func NewHTTPPublisher(endpoint, environment, clusterName, deployerVersion string) *HTTPPublisher {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)

	return &HTTPPublisher{
		client:          client,
		endpoint:        endpoint,
		environment:     environment,
		clusterName:     clusterName,
		deployerVersion: deployerVersion,
	}
}

// Publish sends one rollout record to the control plane.
func (p *HTTPPublisher) Publish(ctx context.Context, record model.RolloutRecord) error {
	logger := log.FromContext(ctx)

	envelope := recordEnvelope{
		RolloutRecord:   record,
		Environment:     p.environment,
		ClusterName:     p.clusterName,
		DeployerVersion: p.deployerVersion,
	}

	var errorResponse map[string]interface{}
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(envelope).
		SetError(&errorResponse).
		Post(p.endpoint)
	if err != nil {
		return fmt.Errorf("failed to send rollout record to control plane: %w", err)
	}

	if !resp.IsSuccess() {
		logger.Error(nil, "control plane rejected rollout record",
			"statusCode", resp.StatusCode(),
			"error", errorResponse,
			"recordID", record.ID,
		)
		return fmt.Errorf("control plane returned status %d: %s", resp.StatusCode(), resp.String())
	}

	logger.Info("rollout record published to control plane",
		"recordID", record.ID,
		"tier", record.Tier,
		"outcome", record.Outcome,
	)
	return nil
}
