// Package poll waits for eventually consistent destinations: until an object's
// size holds steady at the expected value, or until an arbitrary probe
// succeeds.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/transfer-e2e/internal/storage"
)

// SizeFunc observes the current size of the destination object. It returns
// storage.ErrNotFound (wrapped) while the object is not visible yet.
type SizeFunc func(ctx context.Context) (int64, error)

// Options are fixed for the lifetime of a Poller
type Options struct {
	Interval        time.Duration
	StableThreshold int
	Timeout         time.Duration
}

// State is where a wait ended up
type State string

const (
	StatePolling  State = "polling"
	StateStable   State = "stable"
	StateTimedOut State = "timed_out"
)

// PollState is the per-wait bookkeeping: how many consecutive observations
// matched the expected size and what the last observation was.
type PollState struct {
	Count    int
	LastSize int64
	HasLast  bool
	Polls    int
	LastErr  error
}

// Observe folds one observation into the state. A not-found observation resets
// the count and forgets the last size.
func (s *PollState) Observe(expected, size int64, err error) {
	s.Polls++
	s.LastErr = err
	if err != nil {
		s.Count = 0
		s.HasLast = false
		return
	}

	if size == expected {
		if s.HasLast && s.LastSize == size {
			s.Count++
		} else {
			s.Count = 1
		}
	} else {
		s.Count = 0
	}
	s.LastSize = size
	s.HasLast = true
}

// TimeoutError is returned when a wait exceeds its deadline
type TimeoutError struct {
	What     string
	Expected int64
	LastSize int64
	HasLast  bool
	Polls    int
	Timeout  time.Duration
	LastErr  error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for %s", e.Timeout, e.What)
	if e.Expected >= 0 {
		msg += fmt.Sprintf(" (expected size %d", e.Expected)
		if e.HasLast {
			msg += fmt.Sprintf(", last observed %d", e.LastSize)
		} else {
			msg += ", never observed"
		}
		msg += fmt.Sprintf(", %d polls)", e.Polls)
	}
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// Observer is notified after every observation
type Observer func(state PollState)

// Poller implements the stability wait
type Poller struct {
	opts     Options
	logger   *logrus.Entry
	observer Observer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a poller. Non-positive options fall back to one
// observation per second, a threshold of one and a one hour deadline.
func NewPoller(opts Options, logger *logrus.Entry) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.StableThreshold < 1 {
		opts.StableThreshold = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}
	if logger == nil {
		logger = logrus.WithField("component", "poller")
	}
	return &Poller{
		opts:   opts,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Options returns the poller's options
func (p *Poller) Options() Options { return p.opts }

// SetObserver registers fn to be called after every observation
func (p *Poller) SetObserver(fn Observer) { p.observer = fn }

// WaitForStableSize polls accessor until it has returned expected for
// StableThreshold consecutive observations. Not-found observations are retried
// until the deadline; any other accessor error aborts the wait.
func (p *Poller) WaitForStableSize(ctx context.Context, expected int64, accessor SizeFunc) (int64, error) {
	deadline := p.now().Add(p.opts.Timeout)
	var state PollState

	for {
		if !p.now().Before(deadline) {
			return 0, &TimeoutError{
				What:     "stable size",
				Expected: expected,
				LastSize: state.LastSize,
				HasLast:  state.HasLast,
				Polls:    state.Polls,
				Timeout:  p.opts.Timeout,
				LastErr:  state.LastErr,
			}
		}

		size, err := accessor(ctx)
		if err != nil && !storage.IsNotFound(err) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			return 0, fmt.Errorf("size observation failed: %w", err)
		}
		state.Observe(expected, size, err)
		if p.observer != nil {
			p.observer(state)
		}

		entry := p.logger.WithFields(logrus.Fields{
			"poll":     state.Polls,
			"expected": expected,
			"stable":   fmt.Sprintf("%d/%d", state.Count, p.opts.StableThreshold),
		})
		if err != nil {
			entry.Debug("Object not visible yet")
		} else {
			entry.WithField("observed", size).Debug("Observed size")
		}

		if state.Count >= p.opts.StableThreshold {
			return size, nil
		}

		if err := p.sleep(ctx, p.opts.Interval); err != nil {
			return 0, err
		}
	}
}

// Until calls fn every interval until it succeeds, returns a non-transient
// error or the deadline passes. Only storage.ErrNotFound is transient.
func (p *Poller) Until(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	deadline := p.now().Add(p.opts.Timeout)
	var (
		lastErr error
		polls   int
	)

	for {
		if !p.now().Before(deadline) {
			return &TimeoutError{
				What:     what,
				Expected: -1,
				Polls:    polls,
				Timeout:  p.opts.Timeout,
				LastErr:  lastErr,
			}
		}

		polls++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !storage.IsNotFound(err) {
			return err
		}
		lastErr = err
		p.logger.WithField("poll", polls).Debugf("Waiting for %s", what)

		if err := p.sleep(ctx, p.opts.Interval); err != nil {
			return err
		}
	}
}

// IsTimeout reports whether err is a TimeoutError
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
