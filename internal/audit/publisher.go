package audit

import (
	"context"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/deployer/internal/model"
)

// drainTimeout bounds how long shutdown waits on slow publishers.
const drainTimeout = 30 * time.Second

// Publisher delivers rollout records to an external aggregation sink.
type Publisher interface {
	Publish(ctx context.Context, record model.RolloutRecord) error
}

// PublisherQueue drains rollout records from a channel and fans them out to
// all registered publishers. Delivery failures are logged, never fatal: the
// audit file remains the source of truth.
type PublisherQueue struct {
	RecordChan <-chan model.RolloutRecord
	publishers []Publisher
	done       chan struct{}
}

func NewPublisherQueue(recordChan <-chan model.RolloutRecord, publishers []Publisher) *PublisherQueue {
	return &PublisherQueue{
		RecordChan: recordChan,
		publishers: publishers,
		done:       make(chan struct{}),
	}
}

// Loop runs until RecordChan is closed and every queued record has been
// offered to all publishers.
func (q *PublisherQueue) Loop() {
	defer close(q.done)

	ctx := context.Background()
	logger := log.FromContext(ctx).WithName("audit-publisher")

	logger.Info("rollout record publisher queue started", "publishers", len(q.publishers))

	for record := range q.RecordChan {
		for _, publisher := range q.publishers {
			if err := publisher.Publish(ctx, record); err != nil {
				logger.Error(err, "failed to publish rollout record",
					"tier", record.Tier,
					"recordID", record.ID,
				)
			}
		}
	}
}

// Wait blocks until the queue has fully drained after RecordChan closed.
func (q *PublisherQueue) Wait() {
	select {
	case <-q.done:
	case <-time.After(drainTimeout):
	}
}
