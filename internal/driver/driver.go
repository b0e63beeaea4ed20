// Package driver runs named jobs at fixed intervals. Each job has its
// own ticker and goroutine, so a slow job delays only itself.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// levelTrace matches the TRACE level the config package names.
const levelTrace = slog.Level(-8)

// Job is one registered periodic function.
type Job struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context)
}

// Driver holds periodic jobs until Run starts them.
type Driver struct {
	logger *slog.Logger
	jobs   []Job
}

// New creates an empty driver. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{logger: logger}
}

// Every registers fn to run every interval. It panics on a
// non-positive interval, as [time.NewTicker] would later.
func (d *Driver) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		panic(fmt.Sprintf("driver: job %q has non-positive interval %v", name, interval))
	}
	d.jobs = append(d.jobs, Job{Name: name, Interval: interval, Fn: fn})
}

// Jobs returns the registered jobs.
func (d *Driver) Jobs() []Job {
	return d.jobs
}

// Run starts every job, running each once immediately and then on its
// interval, and blocks until ctx is cancelled and all jobs have
// returned.
func (d *Driver) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range d.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.loop(ctx, j)
		}()
	}

	d.logger.Info("driver started", "jobs", len(d.jobs))
	wg.Wait()
	d.logger.Info("driver stopped")
}

func (d *Driver) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	d.runJob(ctx, j)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runJob(ctx, j)
		}
	}
}

// runJob calls the job, converting a panic into an error log so one
// bad run does not stop the loop.
func (d *Driver) runJob(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("periodic job panicked", "job", j.Name, "panic", r)
		}
	}()

	start := time.Now()
	j.Fn(ctx)
	d.logger.Log(ctx, levelTrace, "periodic job finished",
		"job", j.Name, "elapsed", time.Since(start).Round(time.Millisecond))
}
