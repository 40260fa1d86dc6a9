package results

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/fleet/internal/logging"
	"github.com/ship-commander/fleet/internal/task"
	"github.com/ship-commander/fleet/internal/telemetry/invariants"
)

// ErrSealed is returned by Record once the aggregator has been sealed.
var ErrSealed = errors.New("result aggregator is sealed")

// DuplicateResultError reports a second result for the same task.
type DuplicateResultError struct {
	TaskID string
}

func (e *DuplicateResultError) Error() string {
	if e == nil {
		return "duplicate task result"
	}
	return fmt.Sprintf("duplicate result for task %s", e.TaskID)
}

// Is allows errors.Is matching against DuplicateResultError values.
func (e *DuplicateResultError) Is(target error) bool {
	_, ok := target.(*DuplicateResultError)
	return ok
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the aggregator time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger used for rejected records.
func WithLogger(logger *log.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logging.OrDiscard(logger)
	}
}

type entry struct {
	result     task.Result
	order      int
	recordedAt time.Time
}

// Aggregator collects exactly one result per task for a batch.
type Aggregator struct {
	mu         sync.Mutex
	order      map[string]int
	entries    map[string]entry
	startedAt  time.Time
	lastRecord time.Time
	sealed     bool
	now        func() time.Time
	logger     *log.Logger
}

// New creates an aggregator for tasks in submission order.
func New(taskIDs []string, options ...Option) *Aggregator {
	a := &Aggregator{
		order:   make(map[string]int, len(taskIDs)),
		entries: make(map[string]entry, len(taskIDs)),
		now:     time.Now,
		logger:  logging.Discard(),
	}
	for _, option := range options {
		if option != nil {
			option(a)
		}
	}
	for i, id := range taskIDs {
		if _, exists := a.order[id]; !exists {
			a.order[id] = i
		}
	}
	a.startedAt = a.now()
	a.lastRecord = a.startedAt
	return a
}

// Record appends one result. Duplicates and records after Seal are rejected.
func (a *Aggregator) Record(ctx context.Context, result task.Result) error {
	taskID := strings.TrimSpace(result.TaskID)
	if taskID == "" {
		return errors.New("result task id must not be empty")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		a.logger.Warn("results: record after seal", "task_id", taskID, "status", result.Status)
		return ErrSealed
	}
	_, duplicate := a.entries[taskID]
	if !invariants.CheckResultRecordedOnce(ctx, "results.Aggregator.Record", taskID, duplicate) {
		a.logger.Error("results: duplicate result rejected", "task_id", taskID, "status", result.Status)
		return &DuplicateResultError{TaskID: taskID}
	}

	a.recordLocked(taskID, result)
	return nil
}

func (a *Aggregator) recordLocked(taskID string, result task.Result) {
	order, known := a.order[taskID]
	if !known {
		order = len(a.order) + len(a.entries)
	}
	now := a.now()
	a.entries[taskID] = entry{result: result, order: order, recordedAt: now}
	if now.After(a.lastRecord) {
		a.lastRecord = now
	}
}

// Missing returns the IDs from taskIDs without a recorded result, in the given order.
func (a *Aggregator) Missing(taskIDs []string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	missing := make([]string, 0)
	for _, id := range taskIDs {
		if _, ok := a.entries[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// Seal stops accepting results. When fill is non-nil, every submitted task
// still without a result is recorded with fill(taskID) before sealing.
// It returns the filled task IDs in submission order.
func (a *Aggregator) Seal(fill func(taskID string) task.Result) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		return nil
	}
	a.sealed = true
	if fill == nil {
		return nil
	}

	ids := make([]string, 0, len(a.order))
	for id := range a.order {
		if _, ok := a.entries[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return a.order[ids[i]] < a.order[ids[j]]
	})
	for _, id := range ids {
		result := fill(id)
		result.TaskID = id
		a.recordLocked(id, result)
	}
	return ids
}

// Sealed reports whether Seal has been called.
func (a *Aggregator) Sealed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sealed
}

// Summarize builds the batch report. Given the same records it always returns the same report.
func (a *Aggregator) Summarize(batchID string) BatchReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := make([]entry, 0, len(a.entries))
	for _, e := range a.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].order != entries[j].order {
			return entries[i].order < entries[j].order
		}
		return entries[i].result.TaskID < entries[j].result.TaskID
	})

	report := BatchReport{
		BatchID:   batchID,
		StartedAt: a.startedAt,
		WallClock: a.lastRecord.Sub(a.startedAt),
		PerTask:   make([]TaskReport, 0, len(entries)),
	}
	for _, e := range entries {
		report.add(e.result)
	}
	return report
}
