package results

import (
	"encoding/json"
	"time"

	"github.com/ship-commander/fleet/internal/task"
)

// TaskReport is one entry of BatchReport.PerTask.
type TaskReport struct {
	TaskID     string      `json:"taskId"`
	AgentID    string      `json:"agentId"`
	Status     task.Status `json:"status"`
	Output     string      `json:"output"`
	DurationMs int64       `json:"durationMs"`

	ErrorKind task.ErrorKind `json:"-"`
}

// BatchReport is the outcome of one batch. The JSON shape is a stable contract;
// fields tagged "-" are local detail only.
//
// Cancelled results count toward Failed so that Succeeded+Failed+TimedOut == Total.
type BatchReport struct {
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	TimedOut  int          `json:"timedOut"`
	PerTask   []TaskReport `json:"perTask"`

	BatchID   string        `json:"-"`
	Cancelled int           `json:"-"`
	WallClock time.Duration `json:"-"`
	StartedAt time.Time     `json:"-"`
}

func (r *BatchReport) add(result task.Result) {
	r.Total++
	switch result.Status {
	case task.StatusSuccess:
		r.Succeeded++
	case task.StatusTimeout:
		r.TimedOut++
	case task.StatusCancelled:
		r.Cancelled++
		r.Failed++
	default:
		r.Failed++
	}
	r.PerTask = append(r.PerTask, TaskReport{
		TaskID:     result.TaskID,
		AgentID:    result.AgentID,
		Status:     result.Status,
		Output:     result.Output,
		DurationMs: result.DurationMs,
		ErrorKind:  result.ErrorKind,
	})
}

// JSON renders the report in its wire shape.
func (r BatchReport) JSON() ([]byte, error) {
	if r.PerTask == nil {
		r.PerTask = []TaskReport{}
	}
	return json.MarshalIndent(r, "", "  ")
}

// DistinctAgents returns how many different agents served the batch.
func (r BatchReport) DistinctAgents() int {
	seen := make(map[string]struct{}, len(r.PerTask))
	for _, entry := range r.PerTask {
		if entry.AgentID != "" {
			seen[entry.AgentID] = struct{}{}
		}
	}
	return len(seen)
}
