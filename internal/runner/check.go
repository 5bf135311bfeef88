package runner

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/transfer-e2e/internal/content"
	"github.com/guided-traffic/transfer-e2e/internal/report"
	"github.com/guided-traffic/transfer-e2e/internal/storage"
	"github.com/guided-traffic/transfer-e2e/internal/verify"
)

// CheckRequest names an existing object to verify
type CheckRequest struct {
	// Key of the object on the target
	Key string
	// TestID is read from the object metadata when empty
	TestID string
	// Label defaults to the configured label
	Label string
	// Size is taken from the object when zero
	Size int64
	// BareSeed derives the seed from the test id alone, without the label
	BareSeed bool
}

// Check verifies an object a previous run (or another tool) left on the
// target, without uploading anything. The seed is derived from the test id
// and label, so only those need to be known.
func (r *Runner) Check(ctx context.Context, req CheckRequest) (*report.Report, error) {
	label := req.Label
	if label == "" {
		label = r.cfg.Label
	}

	rep := &report.Report{
		TestID:    req.TestID,
		Label:     label,
		Target:    r.target.Describe(req.Key),
		TargetKey: req.Key,
		Started:   time.Now().UTC(),
	}

	start := time.Now()
	err := r.check(ctx, req, rep)
	rep.AddPhase(report.PhaseVerify, time.Since(start), err)

	rep.Finished = time.Now().UTC()
	rep.Passed = err == nil
	if err != nil {
		rep.Failure = err.Error()
		rep.FailedCheck = FailedCheck(err)
	}

	r.logger.WithFields(logrus.Fields{
		"test_id": rep.TestID,
		"key":     req.Key,
		"result":  rep.Status(),
	}).Info("Verification finished")
	return rep, err
}

func (r *Runner) check(ctx context.Context, req CheckRequest, rep *report.Report) error {
	info, err := r.target.Stat(ctx, req.Key)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", r.target.Describe(req.Key), err)
	}

	if rep.TestID == "" {
		rep.TestID = info.Metadata[storage.MetaTestID]
		if rep.TestID == "" {
			return fmt.Errorf("%s carries no %s metadata; pass the test id explicitly", req.Key, storage.MetaTestID)
		}
	}
	rep.Filename = Filename(rep.Label, rep.TestID)

	seed := content.NewSeed(rep.Label, rep.TestID)
	if req.BareSeed {
		seed = content.NewBareSeed(rep.TestID)
	}
	if digest := info.Metadata[storage.MetaSeedSHA256]; digest != "" && digest != seed.Digest() {
		bare := content.NewBareSeed(rep.TestID)
		if digest != bare.Digest() {
			return fmt.Errorf("seed digest %s of %s does not match test id %s with label %s", digest, req.Key, rep.TestID, rep.Label)
		}
		r.logger.WithField("key", req.Key).Info("Object was written with a seed derived from the test id alone")
		seed = bare
	}
	rep.SeedDigest = seed.Digest()

	size := req.Size
	if size == 0 {
		if meta := info.Metadata[storage.MetaSizeBytes]; meta != "" {
			size, err = strconv.ParseInt(meta, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid %s metadata %q: %w", storage.MetaSizeBytes, meta, err)
			}
		} else {
			size = info.Size
		}
	}
	rep.Size = size
	if err := verify.CheckSize("target", info.Size, size); err != nil {
		return err
	}

	rep.Offsets, rep.Window = r.verifier.Offsets(seed, size)
	if _, err := r.verifier.Verify(ctx, verify.Request{
		Seed:      seed,
		TotalSize: size,
		Target:    verify.ObjectReader(r.target, req.Key),
	}); err != nil {
		return err
	}

	if r.cfg.Verify.FullCompare {
		return fullCompare(ctx, seed, size, r.target, req.Key, nil, int(r.cfg.Transfer.IOChunkBytes))
	}
	return nil
}
