package firmware

import (
	"log/slog"
	"sync"
	"time"

	"relay-sync/internal/clock"
)

// Task is a periodic job. Each task keeps its own cadence and a panic in
// one task does not stop the others.
type Task struct {
	Name  string
	Every time.Duration
	Run   func()
}

// Runner schedules tasks on a clock.
type Runner struct {
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[string]clock.Timer
	stopped bool
}

func NewRunner(clk clock.Clock, logger *slog.Logger) *Runner {
	return &Runner{clock: clk, logger: logger, timers: make(map[string]clock.Timer)}
}

// Start arms every task. The first run happens one period after Start.
func (r *Runner) Start(tasks ...Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = false
	for _, t := range tasks {
		r.armLocked(t)
	}
}

func (r *Runner) armLocked(t Task) {
	if r.stopped || t.Every <= 0 {
		return
	}
	r.timers[t.Name] = r.clock.AfterFunc(t.Every, func() { r.tick(t) })
}

func (r *Runner) tick(t Task) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("task panic", "task", t.Name, "panic", p)
			}
		}()
		t.Run()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.armLocked(t)
}

// Stop cancels every task.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for name, t := range r.timers {
		t.Stop()
		delete(r.timers, name)
	}
}
