package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// RunLog buffers the log lines of one batch run so they can be
// persisted alongside the run record. It also mirrors every line to a
// zerolog logger so operators see batch progress live.
type RunLog struct {
	mu    sync.Mutex
	lines []string
	max   int
}

// DefaultRunLogLines caps the buffered lines per run.
const DefaultRunLogLines = 500

// NewRunLog creates an empty run log buffer.
func NewRunLog() *RunLog {
	return &RunLog{max: DefaultRunLogLines}
}

// Logf appends a timestamped formatted line to the buffer.
// Once the cap is reached, further lines are dropped and a single
// truncation marker is recorded.
func (r *RunLog) Logf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.lines) >= r.max {
		if len(r.lines) == r.max {
			r.lines = append(r.lines, "... log truncated ...")
		}
		return
	}

	line := fmt.Sprintf("[%s] %s", time.Now().UTC().Format("15:04:05"), fmt.Sprintf(format, args...))
	r.lines = append(r.lines, line)
}

// String joins the buffered lines for persistence.
func (r *RunLog) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}

// Len returns the number of buffered lines.
func (r *RunLog) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}
