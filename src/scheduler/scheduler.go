package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logger "github.com/sirupsen/logrus"
)

const (
	tickResultOK                = "ok"
	tickResultEnumerationFailed = "enumeration_failed"

	userResultOK      = "ok"
	userResultFailed  = "failed"
	userResultSkipped = "skipped"
)

// EnumerateFunc lists the user IDs a tick fans out to. It is the single
// consistent read of the tick; users appearing afterwards wait for the
// next one.
type EnumerateFunc func(ctx context.Context) ([]uint, error)

// ProcessFunc handles one user. Errors and panics are contained to that
// user and never abort the rest of the tick.
type ProcessFunc func(ctx context.Context, userID uint) error

// Job is one periodic risk task. At most one run is in flight at a
// time: a tick that fires while the previous run still holds the job is
// skipped with a warning, never queued.
type Job struct {
	Name      string
	Interval  time.Duration
	Enumerate EnumerateFunc
	Process   ProcessFunc

	inFlight atomic.Bool
}

// Run executes one tick of the job. It returns false when the tick was
// skipped because an earlier run was still in flight.
func (j *Job) Run(ctx context.Context) bool {
	if !j.inFlight.CompareAndSwap(false, true) {
		logger.WithFields(map[string]interface{}{
			"job":      j.Name,
			"interval": j.Interval,
		}).Warn("Previous run still in flight, skipping tick")

		TicksSkipped.WithLabelValues(j.Name).Inc()
		return false
	}
	defer j.inFlight.Store(false)

	start := time.Now()

	users, err := j.Enumerate(ctx)
	if err != nil {
		logger.WithField("job", j.Name).WithError(err).
			Error("User enumeration failed, skipping tick")

		TicksTotal.WithLabelValues(j.Name, tickResultEnumerationFailed).Inc()
		return true
	}

	var ok, failed, skipped int
	for i, userID := range users {
		if ctx.Err() != nil {
			skipped = len(users) - i
			UsersProcessed.WithLabelValues(j.Name, userResultSkipped).Add(float64(skipped))
			logger.WithFields(map[string]interface{}{
				"job":     j.Name,
				"skipped": skipped,
			}).Info("Tick interrupted by shutdown, remaining users skipped")
			break
		}

		if err := j.processUser(ctx, userID); err != nil {
			logger.WithFields(map[string]interface{}{
				"job":     j.Name,
				"user_id": userID,
			}).WithError(err).Error("User processing failed, continuing with next user")

			UsersProcessed.WithLabelValues(j.Name, userResultFailed).Inc()
			failed++
			continue
		}

		UsersProcessed.WithLabelValues(j.Name, userResultOK).Inc()
		ok++
	}

	TicksTotal.WithLabelValues(j.Name, tickResultOK).Inc()
	TickDuration.WithLabelValues(j.Name).Observe(time.Since(start).Seconds())

	logger.WithFields(map[string]interface{}{
		"job":      j.Name,
		"users":    len(users),
		"ok":       ok,
		"failed":   failed,
		"skipped":  skipped,
		"duration": time.Since(start),
	}).Info("Tick completed")

	return true
}

// processUser contains a single user's failure, converting a panic into
// an error so one user can never take down the tick.
func (j *Job) processUser(ctx context.Context, userID uint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing user %d: %v\n%s", userID, r, debug.Stack())
		}
	}()

	return j.Process(ctx, userID)
}

// Scheduler drives a set of jobs, each on its own ticker. Start returns
// immediately; Stop cancels the tickers and waits for in-flight runs to
// drain.
type Scheduler struct {
	jobs   []*Job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(jobs ...*Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, job := range s.jobs {
		logger.WithFields(map[string]interface{}{
			"job":      job.Name,
			"interval": job.Interval,
		}).Info("Starting job")

		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

func (s *Scheduler) loop(ctx context.Context, job *Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.WithField("job", job.Name).Info("Job stopped")
			return

		case <-ticker.C:
			// Each tick runs on its own goroutine so a slow run lets the
			// ticker keep firing and the overlap guard can observe it.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				job.Run(ctx)
			}()
		}
	}
}

// Stop cancels all jobs and blocks until running ticks finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	logger.Info("Scheduler stopped")
}
