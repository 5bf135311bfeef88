// Package verify checks a transferred object against the deterministic content
// it was generated from: sizes, ETags, sampled windows and full streams.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/guided-traffic/transfer-e2e/internal/content"
	"github.com/guided-traffic/transfer-e2e/internal/storage"
)

// RangeReader reads a window of one object
type RangeReader interface {
	ReadRange(ctx context.Context, offset, length int64) ([]byte, error)
}

// RangeReaderFunc adapts a function to RangeReader
type RangeReaderFunc func(ctx context.Context, offset, length int64) ([]byte, error)

// ReadRange implements RangeReader
func (f RangeReaderFunc) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	return f(ctx, offset, length)
}

// ObjectReader reads windows of key on ep
func ObjectReader(ep storage.Endpoint, key string) RangeReader {
	return RangeReaderFunc(func(ctx context.Context, offset, length int64) ([]byte, error) {
		return ep.ReadRange(ctx, key, offset, length)
	})
}

// Options configure the spot checks
type Options struct {
	SpotChecks  int
	CheckBytes  int64
	Concurrency int
}

// Request describes one object to verify
type Request struct {
	Seed      content.Seed
	TotalSize int64
	Target    RangeReader
	// Source is compared window by window against Target when set
	Source RangeReader
}

// Result summarizes a passed verification
type Result struct {
	Offsets  []int64       `json:"offsets"`
	Window   int64         `json:"window"`
	Checked  int           `json:"checked"`
	Duration time.Duration `json:"duration"`
}

// CheckObserver is notified about every spot check outcome
type CheckObserver func(passed bool)

// Verifier runs spot checks
type Verifier struct {
	opts     Options
	logger   *logrus.Entry
	observer CheckObserver
}

// NewVerifier creates a verifier
func NewVerifier(opts Options, logger *logrus.Entry) *Verifier {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if logger == nil {
		logger = logrus.WithField("component", "verifier")
	}
	return &Verifier{opts: opts, logger: logger}
}

// SetObserver registers fn for spot check outcomes
func (v *Verifier) SetObserver(fn CheckObserver) { v.observer = fn }

// Offsets returns the window starts Verify would check
func (v *Verifier) Offsets(seed content.Seed, totalSize int64) ([]int64, int64) {
	window := v.opts.CheckBytes
	if window > totalSize {
		window = totalSize
	}
	return content.SampleOffsets(totalSize, v.opts.SpotChecks, window, seed), window
}

// Verify compares sampled windows of the target (and the source) with the
// expected content. The returned error is an *IntegrityError for the lowest
// failing check, or a read error.
func (v *Verifier) Verify(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	offsets, window := v.Offsets(req.Seed, req.TotalSize)
	result := &Result{Offsets: offsets, Window: window}

	v.logger.WithFields(logrus.Fields{
		"checks":  len(offsets),
		"window":  window,
		"offsets": offsets,
	}).Info("Running spot checks")

	var err error
	if v.opts.Concurrency > 1 && len(offsets) > 1 {
		err = v.verifyParallel(ctx, req, offsets, window)
	} else {
		for i, off := range offsets {
			err = v.check(ctx, req, i, len(offsets), off, window)
			v.notify(err)
			if err != nil {
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}

	result.Checked = len(offsets)
	result.Duration = time.Since(start)
	return result, nil
}

// verifyParallel runs checks concurrently and reports the lowest failing
// index, so the verdict matches a sequential run. Checks above an already
// failed index are skipped, and the observer only hears about the checks a
// sequential run would have made.
func (v *Verifier) verifyParallel(ctx context.Context, req Request, offsets []int64, window int64) error {
	var (
		mu     sync.Mutex
		lowest = len(offsets)
		lowErr error
		errs   = make([]error, len(offsets))
	)
	var g errgroup.Group
	g.SetLimit(v.opts.Concurrency)

	for i, off := range offsets {
		g.Go(func() error {
			mu.Lock()
			skip := i > lowest
			mu.Unlock()
			if skip {
				return nil
			}

			err := v.check(ctx, req, i, len(offsets), off, window)
			mu.Lock()
			errs[i] = err
			if err != nil && i < lowest {
				lowest, lowErr = i, err
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for i := 0; i < len(offsets) && i <= lowest; i++ {
		v.notify(errs[i])
	}
	return lowErr
}

func (v *Verifier) check(ctx context.Context, req Request, i, total int, off, window int64) error {
	logger := v.logger.WithFields(logrus.Fields{
		"check":  fmt.Sprintf("%d/%d", i+1, total),
		"offset": off,
	})

	expected, err := content.Range(req.Seed, off, window, req.TotalSize)
	if err != nil {
		return err
	}

	got, err := req.Target.ReadRange(ctx, off, window)
	if err != nil {
		return fmt.Errorf("spot check %d/%d: failed to read target at offset %d: %w", i+1, total, off, err)
	}
	if ierr := compareWindow(StepSpot, "target", i, total, off, got, expected); ierr != nil {
		logger.WithField("byte_offset", ierr.ByteOffset).Error("Spot check failed")
		return ierr
	}

	if req.Source != nil {
		srcData, err := req.Source.ReadRange(ctx, off, window)
		if err != nil {
			return fmt.Errorf("spot check %d/%d: failed to read source at offset %d: %w", i+1, total, off, err)
		}
		if ierr := compareWindow(StepSourceCompare, "source", i, total, off, srcData, got); ierr != nil {
			logger.WithField("byte_offset", ierr.ByteOffset).Error("Source and target differ")
			return ierr
		}
	}

	logger.Debug("Spot check passed")
	return nil
}

// notify reports the outcome of one check. Read errors are not an outcome.
func (v *Verifier) notify(err error) {
	if v.observer == nil {
		return
	}
	var ie *IntegrityError
	switch {
	case err == nil:
		v.observer(true)
	case errors.As(err, &ie):
		v.observer(false)
	}
}

func compareWindow(check, what string, i, total int, off int64, got, want []byte) *IntegrityError {
	if bytes.Equal(got, want) {
		return nil
	}
	d := firstDiff(got, want)
	reason := fmt.Sprintf("%s differs at byte %d", what, off+int64(d))
	if len(got) != len(want) {
		reason = fmt.Sprintf("%s returned %d bytes, expected %d", what, len(got), len(want))
	}
	return &IntegrityError{
		Check:      check,
		Index:      i + 1,
		Total:      total,
		Offset:     off,
		ByteOffset: off + int64(d),
		Reason:     reason,
	}
}

// CheckSize asserts observed == expected
func CheckSize(what string, observed, expected int64) error {
	if observed != expected {
		return sizeMismatch(StepSize, what, observed, expected)
	}
	return nil
}

// CheckETag compares ETags when both are present and neither is a multipart
// ETag. It reports whether a comparison took place.
func CheckETag(sourceETag, targetETag string) (bool, error) {
	src := strings.Trim(sourceETag, "\"")
	tgt := strings.Trim(targetETag, "\"")
	if src == "" || tgt == "" || strings.Contains(src, "-") || strings.Contains(tgt, "-") {
		return false, nil
	}
	if src != tgt {
		return true, &IntegrityError{
			Check:      StepETag,
			ByteOffset: -1,
			Reason:     fmt.Sprintf("source etag %s != target etag %s", src, tgt),
		}
	}
	return true, nil
}
