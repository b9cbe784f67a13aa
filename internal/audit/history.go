package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/apptrail-sh/deployer/internal/model"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// History is the append-only rollout audit log. Every release attempt lands
// here; the newest Succeeded entry per tier is that tier's rollback target.
type History struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	records []model.RolloutRecord
	notify  chan<- model.RolloutRecord
}

// NewHistory creates an in-memory history with no persistence. Used by tests
// and one-shot evaluations.
func NewHistory() *History {
	return &History{}
}

// OpenHistory opens (or creates) a JSONL history file and loads its existing
// records. The file is only ever appended to.
func OpenHistory(path string) (*History, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}

	h := &History{path: path, file: file}
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var record model.RolloutRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("audit log %s line %d: %w", path, line, err)
		}
		h.records = append(h.records, record)
	}
	if err := scanner.Err(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("read audit log %s: %w", path, err)
	}
	return h, nil
}

// SetNotify routes every appended record into ch for downstream publishers.
func (h *History) SetNotify(ch chan<- model.RolloutRecord) {
	h.mu.Lock()
	h.notify = ch
	h.mu.Unlock()
}

// Append writes one record to the log. Records are never mutated or removed.
func (h *History) Append(ctx context.Context, record model.RolloutRecord) error {
	logger := log.FromContext(ctx).WithName("audit")

	h.mu.Lock()
	// The file lands first: a failed write must not leave the in-memory
	// view ahead of what the log durably holds.
	if h.file != nil {
		line, err := json.Marshal(record)
		if err != nil {
			h.mu.Unlock()
			return fmt.Errorf("encode rollout record: %w", err)
		}
		if _, err := h.file.Write(append(line, '\n')); err != nil {
			h.mu.Unlock()
			return fmt.Errorf("append to audit log %s: %w", h.path, err)
		}
	}
	h.records = append(h.records, record)
	notify := h.notify
	h.mu.Unlock()

	logger.Info("rollout record appended",
		"tier", record.Tier,
		"image", record.Image,
		"outcome", record.Outcome,
		"reason", record.Reason,
	)

	if notify != nil {
		notify <- record
	}
	return nil
}

// LastKnownGood returns the most recent Succeeded record for the tier.
func (h *History) LastKnownGood(tier model.Tier) (model.RolloutRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.records) - 1; i >= 0; i-- {
		r := h.records[i]
		if r.Tier == tier && r.Outcome == model.OutcomeSucceeded {
			return r, true
		}
	}
	return model.RolloutRecord{}, false
}

// Last returns the most recent record for the tier regardless of outcome.
func (h *History) Last(tier model.Tier) (model.RolloutRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.records) - 1; i >= 0; i-- {
		if h.records[i].Tier == tier {
			return h.records[i], true
		}
	}
	return model.RolloutRecord{}, false
}

// All returns a copy of the full history in append order.
func (h *History) All() []model.RolloutRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.RolloutRecord, len(h.records))
	copy(out, h.records)
	return out
}

// Close releases the backing file, if any.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}
