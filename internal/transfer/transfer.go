// Package transfer moves the test object from the source endpoint to the
// target, or leaves that to an external pipeline.
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/transfer-e2e/internal/config"
	"github.com/guided-traffic/transfer-e2e/internal/storage"
	"github.com/guided-traffic/transfer-e2e/internal/verify"
)

// Request names the object to move
type Request struct {
	Source    storage.Endpoint
	Target    storage.Endpoint
	SourceKey string
	TargetKey string
	Size      int64
	Metadata  map[string]string
}

// Result describes a finished transfer
type Result struct {
	Mode     string        `json:"mode"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// Transferer performs transfers in one configured mode
type Transferer struct {
	mode             string
	progressInterval time.Duration
	logger           *logrus.Entry
	onBytes          func(n int)
}

// New creates a transferer from the transfer configuration
func New(cfg config.TransferConfig, logger *logrus.Entry) *Transferer {
	if logger == nil {
		logger = logrus.WithField("component", "transfer")
	}
	return &Transferer{
		mode:             cfg.Mode,
		progressInterval: cfg.ProgressInterval,
		logger:           logger.WithField("mode", cfg.Mode),
	}
}

// Mode returns the configured mode
func (t *Transferer) Mode() string { return t.mode }

// OnBytes registers fn to be called for every chunk streamed
func (t *Transferer) OnBytes(fn func(n int)) { t.onBytes = fn }

// Transfer moves req's object according to the mode. External transfers return
// immediately; the caller waits for the target.
func (t *Transferer) Transfer(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	logger := t.logger.WithFields(logrus.Fields{
		"source": req.Source.Describe(req.SourceKey),
		"target": req.Target.Describe(req.TargetKey),
		"size":   humanize.IBytes(uint64(req.Size)),
	})

	var (
		n   int64
		err error
	)
	switch t.mode {
	case config.ModeServerCopy:
		err = t.serverCopy(ctx, req)
		n = req.Size
	case config.ModeStream:
		n, err = t.stream(ctx, req, logger)
	case config.ModeExternal:
		logger.Info("Transfer is performed by an external pipeline")
	default:
		err = fmt.Errorf("unsupported transfer mode %q", t.mode)
	}
	if err != nil {
		return nil, err
	}

	result := &Result{Mode: t.mode, Bytes: n, Duration: time.Since(start)}
	if t.mode != config.ModeExternal {
		logger.WithField("duration", result.Duration.Round(time.Millisecond)).Info("Transfer finished")
	}
	return result, nil
}

func (t *Transferer) serverCopy(ctx context.Context, req Request) error {
	copier, ok := req.Target.(storage.ServerSideCopier)
	if !ok {
		return fmt.Errorf("target %s does not support server-side copy", req.Target.Kind())
	}
	if req.Source.Kind() != req.Target.Kind() {
		return fmt.Errorf("server-side copy needs endpoints of the same kind, got %s -> %s", req.Source.Kind(), req.Target.Kind())
	}
	return copier.CopyFrom(ctx, req.Source, req.SourceKey, req.TargetKey, req.Size)
}

// stream reads the source sequentially and uploads it to the target in
// constant memory. The number of bytes moved must equal the expected size.
func (t *Transferer) stream(ctx context.Context, req Request, logger *logrus.Entry) (int64, error) {
	rc, err := req.Source.Open(ctx, req.SourceKey)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer rc.Close()

	pr := NewProgressReader(rc, req.Size, t.progressInterval, logger)
	if t.onBytes != nil {
		pr.OnRead(t.onBytes)
	}
	logger.Info("Streaming object to target")

	if err := req.Target.Put(ctx, req.TargetKey, pr, req.Size, req.Metadata); err != nil {
		return pr.BytesRead(), fmt.Errorf("failed to stream to target: %w", err)
	}

	n := pr.BytesRead()
	if n != req.Size {
		return n, &verify.IntegrityError{
			Check:      verify.StepTransferred,
			ByteOffset: -1,
			Reason:     fmt.Sprintf("transferred %d bytes, expected %d", n, req.Size),
		}
	}
	return n, nil
}
