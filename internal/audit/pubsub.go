package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub/v2"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/deployer/internal/model"
)

// PubSubPublisher sends rollout records to Google Cloud Pub/Sub.
type PubSubPublisher struct {
	client      *pubsub.Client
	publisher   *pubsub.Publisher
	topicPath   string
	environment string
	clusterName string
}

// ParseTopicPath parses a full Pub/Sub topic path and returns projectID and topicID.
// Expected format: projects/<project>/topics/<topic>
func ParseTopicPath(topicPath string) (projectID, topicID string, err error) {
	parts := strings.Split(topicPath, "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "topics" {
		return "", "", fmt.Errorf("invalid topic path %q: expected format projects/<project>/topics/<topic>", topicPath)
	}
	return parts[1], parts[3], nil
}

// NewPubSubPublisher creates a Pub/Sub publisher for rollout records.
// Authentication is handled via Application Default Credentials.
func NewPubSubPublisher(ctx context.Context, topicPath, environment, clusterName string) (*PubSubPublisher, error) {
	projectID, topicID, err := ParseTopicPath(topicPath)
	if err != nil {
		return nil, err
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	// Records for the same tier must arrive in the order they were
	// appended; the subscription must enable ordering too.
	publisher := client.Publisher(topicID)
	publisher.EnableMessageOrdering = true

	return &PubSubPublisher{
		client:      client,
		publisher:   publisher,
		topicPath:   topicPath,
		environment: environment,
		clusterName: clusterName,
	}, nil
}

// Publish sends one rollout record, ordered per tier.
func (p *PubSubPublisher) Publish(ctx context.Context, record model.RolloutRecord) error {
	logger := log.FromContext(ctx)

	envelope := recordEnvelope{
		RolloutRecord: record,
		Environment:   p.environment,
		ClusterName:   p.clusterName,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal rollout record: %w", err)
	}

	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data:        payload,
		OrderingKey: record.Tier.String(),
		Attributes: map[string]string{
			"eventType":   "rollout",
			"tier":        record.Tier.String(),
			"outcome":     string(record.Outcome),
			"environment": p.environment,
			"clusterName": p.clusterName,
		},
	})

	messageID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish rollout record to pubsub: %w", err)
	}

	logger.Info("rollout record published to pubsub",
		"messageID", messageID,
		"recordID", record.ID,
		"tier", record.Tier,
	)
	return nil
}

// Close flushes and releases the underlying client.
func (p *PubSubPublisher) Close() error {
	p.publisher.Stop()
	return p.client.Close()
}
