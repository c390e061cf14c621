package runner

import (
	"fmt"
	"time"

	"github.com/enrybds/sayless/internal/executor"
)

// Stats are the in-memory counters of one run.
type Stats struct {
	Attempted   int       `json:"attempted"` // items handed to the executor that got at least one call
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Cached      int       `json:"cached"`      // skipped because the store already had a result
	Interrupted int       `json:"interrupted"` // abandoned by cancellation, retried on resume
	Calls       int       `json:"calls"`       // total calls including retries
	Cost        float64   `json:"cost"`
	Failures    []Failure `json:"failures,omitempty"`
}

// Failure records an item that exhausted its attempts or failed fatally.
type Failure struct {
	Index    int           `json:"index"`
	Key      string        `json:"key"`
	Kind     executor.Kind `json:"kind"`
	Attempts int           `json:"attempts"`
	Reason   string        `json:"reason"`
}

// Processed is the number of items that reached a final outcome.
func (s Stats) Processed() int {
	return s.Succeeded + s.Failed + s.Cached
}

func (s Stats) clone() Stats {
	c := s
	c.Failures = append([]Failure(nil), s.Failures...)
	return c
}

// Progress is reported after every completed item.
type Progress struct {
	Name   string
	State  State
	Stats  Stats
	Cursor int // contiguous processed prefix
	Total  int // 0 when unknown
}

// Report summarizes a finished run.
type Report struct {
	Name    string        `json:"name"`
	State   State         `json:"state"`
	Stats   Stats         `json:"stats"`
	Offset  int           `json:"offset"` // cursor the run started from
	Resume  int           `json:"resume"` // persisted cursor a new run would start from
	Capped  bool          `json:"capped"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Summary is a one-line operator summary.
func (r Report) Summary() string {
	return fmt.Sprintf("%s %s: %d succeeded, %d failed, %d cached, %d interrupted, cost ~$%.4f, resume at %d",
		r.Name, r.State, r.Stats.Succeeded, r.Stats.Failed, r.Stats.Cached, r.Stats.Interrupted, r.Stats.Cost, r.Resume)
}
