// Package runner drives one end-to-end run: it uploads a deterministic object
// to the source, has it transferred, waits for the target to settle and
// verifies the result.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/transfer-e2e/internal/config"
	"github.com/guided-traffic/transfer-e2e/internal/content"
	"github.com/guided-traffic/transfer-e2e/internal/journal"
	"github.com/guided-traffic/transfer-e2e/internal/monitoring"
	"github.com/guided-traffic/transfer-e2e/internal/poll"
	"github.com/guided-traffic/transfer-e2e/internal/report"
	"github.com/guided-traffic/transfer-e2e/internal/storage"
	"github.com/guided-traffic/transfer-e2e/internal/transfer"
	"github.com/guided-traffic/transfer-e2e/internal/verify"
)

// cleanupTimeout bounds each delete issued after a run
const cleanupTimeout = 2 * time.Minute

// PhaseFunc is notified when a run enters a phase
type PhaseFunc func(testID, label, phase string)

// Runner executes runs between one source and one target
type Runner struct {
	cfg    *config.Config
	source storage.Endpoint
	target storage.Endpoint

	transferer *transfer.Transferer
	poller     *poll.Poller
	verifier   *verify.Verifier

	metrics *monitoring.Metrics
	journal *journal.Journal
	onPhase PhaseFunc

	logger *logrus.Entry
	newID  func() string
}

// New creates a runner. The endpoints stay owned by the caller; source may be
// nil for a runner that only checks existing objects.
func New(cfg *config.Config, source, target storage.Endpoint, logger *logrus.Logger) *Runner {
	entry := logger.WithFields(logrus.Fields{
		"component": "runner",
		"label":     cfg.Label,
	})
	return &Runner{
		cfg:        cfg,
		source:     source,
		target:     target,
		transferer: transfer.New(cfg.Transfer, logger.WithField("component", "transfer")),
		poller: poll.NewPoller(poll.Options{
			Interval:        cfg.Poll.Interval,
			StableThreshold: cfg.Poll.StablePolls,
			Timeout:         cfg.Poll.Timeout,
		}, logger.WithField("component", "poller")),
		verifier: verify.NewVerifier(verify.Options{
			SpotChecks:  cfg.Verify.SpotChecks,
			CheckBytes:  cfg.Verify.SpotCheckBytes.Int64(),
			Concurrency: cfg.Verify.Concurrency,
		}, logger.WithField("component", "verifier")),
		logger: entry,
		newID:  newTestID,
	}
}

// WithMetrics records every run into m
func (r *Runner) WithMetrics(m *monitoring.Metrics) *Runner {
	r.metrics = m
	label := r.cfg.Label
	r.transferer.OnBytes(m.BytesCounter(label, "transfer"))
	r.verifier.SetObserver(func(passed bool) { m.RecordSpotCheck(label, passed) })
	r.poller.SetObserver(func(state poll.PollState) {
		m.RecordPollObservation(label, pollStateLabel(state))
	})
	return r
}

// WithJournal stores every report in j
func (r *Runner) WithJournal(j *journal.Journal) *Runner {
	r.journal = j
	return r
}

// OnPhase registers fn for phase changes
func (r *Runner) OnPhase(fn PhaseFunc) *Runner {
	r.onPhase = fn
	return r
}

// newTestID returns a random identifier without dashes
func newTestID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Filename returns the object name of a run
func Filename(label, testID string) string {
	return fmt.Sprintf("%s-test-%s.bin", label, testID)
}

// run carries the state of one run between phases
type run struct {
	testID   string
	filename string
	seed     content.Seed
	size     int64
	srcKey   string
	tgtKey   string
	srcInfo  storage.ObjectInfo
	tgtInfo  storage.ObjectInfo
	uploaded bool
	logger   *logrus.Entry
}

// Run performs one complete run. The report is always returned; the error is
// the reason the run failed, or nil when it passed.
func (r *Runner) Run(ctx context.Context) (*report.Report, error) {
	st := &run{
		testID: r.newID(),
		size:   r.cfg.TestSize.Int64(),
	}
	label := r.cfg.Label
	st.filename = Filename(label, st.testID)
	st.seed = content.NewSeed(label, st.testID)
	st.srcKey = r.sourceKey(st.filename)
	st.tgtKey = r.targetKey(st.filename)
	st.logger = r.logger.WithFields(logrus.Fields{
		"test_id": st.testID,
		"size":    humanize.IBytes(uint64(st.size)),
	})

	rep := &report.Report{
		TestID:     st.testID,
		Label:      label,
		Filename:   st.filename,
		SeedDigest: st.seed.Digest(),
		Size:       st.size,
		Mode:       r.transferer.Mode(),
		Source:     r.source.Describe(st.srcKey),
		SourceKey:  st.srcKey,
		Target:     r.target.Describe(st.tgtKey),
		TargetKey:  st.tgtKey,
		Started:    time.Now().UTC(),
	}

	st.logger.WithFields(logrus.Fields{
		"source": rep.Source,
		"target": rep.Target,
		"mode":   rep.Mode,
	}).Info("Starting end-to-end run")

	err := r.phase(ctx, rep, st, report.PhaseUpload, r.upload)
	if err == nil {
		err = r.phase(ctx, rep, st, report.PhaseTransfer, r.transfer)
	}
	if err == nil {
		err = r.phase(ctx, rep, st, report.PhaseWait, r.wait)
		rep.Target = r.target.Describe(st.tgtKey)
		rep.TargetKey = st.tgtKey
	}
	if err == nil {
		err = r.phase(ctx, rep, st, report.PhaseVerify, func(ctx context.Context, st *run) error {
			return r.verify(ctx, st, rep)
		})
	}

	if r.cfg.Source.Cleanup || r.cfg.Target.Cleanup {
		_ = r.phase(ctx, rep, st, report.PhaseCleanup, func(ctx context.Context, st *run) error {
			r.cleanup(ctx, st, rep)
			return nil
		})
	}

	r.finish(rep, err)
	return rep, err
}

type phaseFunc func(ctx context.Context, st *run) error

func (r *Runner) phase(ctx context.Context, rep *report.Report, st *run, name string, fn phaseFunc) error {
	if r.onPhase != nil {
		r.onPhase(st.testID, rep.Label, name)
	}
	start := time.Now()
	err := fn(ctx, st)
	d := time.Since(start)
	rep.AddPhase(name, d, err)

	if r.metrics != nil {
		r.metrics.RecordPhase(rep.Label, name, d)
	}
	entry := st.logger.WithFields(logrus.Fields{
		"phase":    name,
		"duration": d.Round(time.Millisecond),
	})
	if err != nil {
		entry.WithError(err).Error("Phase failed")
	} else {
		entry.Info("Phase finished")
	}
	return err
}

func (r *Runner) sourceKey(filename string) string {
	if r.cfg.Source.ExactKey != "" {
		return r.cfg.Source.ExactKey
	}
	return r.source.Key(filename)
}

// targetKey is where the transfer writes. In discover mode the final key is
// looked up after the transfer.
func (r *Runner) targetKey(filename string) string {
	if r.cfg.Target.KeyMode != config.KeyModeDiscover && r.cfg.Target.ExactKey != "" {
		return r.cfg.Target.ExactKey
	}
	return r.target.Key(filename)
}

func (r *Runner) metadata(st *run) map[string]string {
	return map[string]string{
		storage.MetaTestID:     st.testID,
		storage.MetaSeedSHA256: st.seed.Digest(),
		storage.MetaSizeBytes:  strconv.FormatInt(st.size, 10),
	}
}

func (r *Runner) upload(ctx context.Context, st *run) error {
	start := time.Now()
	pr := transfer.NewProgressReader(content.NewStream(st.seed, st.size), st.size, r.cfg.Transfer.ProgressInterval,
		st.logger.WithField("phase", report.PhaseUpload))
	if r.metrics != nil {
		pr.OnRead(r.metrics.BytesCounter(r.cfg.Label, "upload"))
	}

	st.logger.WithField("key", st.srcKey).Info("Uploading test object to source")
	if err := r.source.Put(ctx, st.srcKey, pr, st.size, r.metadata(st)); err != nil {
		return fmt.Errorf("upload to source failed: %w", err)
	}
	st.uploaded = true

	if r.metrics != nil {
		r.metrics.RecordThroughput(r.cfg.Label, report.PhaseUpload, st.size, time.Since(start))
	}
	return nil
}

func (r *Runner) transfer(ctx context.Context, st *run) error {
	res, err := r.transferer.Transfer(ctx, transfer.Request{
		Source:    r.source,
		Target:    r.target,
		SourceKey: st.srcKey,
		TargetKey: st.tgtKey,
		Size:      st.size,
		Metadata:  r.metadata(st),
	})
	if err != nil {
		return err
	}
	if r.metrics != nil && res.Bytes > 0 {
		r.metrics.RecordThroughput(r.cfg.Label, report.PhaseTransfer, res.Bytes, res.Duration)
	}
	return nil
}

func (r *Runner) wait(ctx context.Context, st *run) error {
	err := r.poller.Until(ctx, "source object", func(ctx context.Context) error {
		info, err := r.source.Stat(ctx, st.srcKey)
		if err != nil {
			return err
		}
		st.srcInfo = info
		return nil
	})
	if err != nil {
		return fmt.Errorf("source object did not appear: %w", err)
	}

	if r.cfg.Target.KeyMode == config.KeyModeDiscover {
		key, err := r.discoverTarget(ctx, st.filename)
		if err != nil {
			return err
		}
		st.tgtKey = key
	}

	st.logger.WithField("key", st.tgtKey).Info("Waiting for target size to settle")
	observed, err := r.poller.WaitForStableSize(ctx, st.size, func(ctx context.Context) (int64, error) {
		info, err := r.target.Stat(ctx, st.tgtKey)
		if err != nil {
			return 0, err
		}
		st.tgtInfo = info
		return info.Size, nil
	})
	if err != nil {
		return err
	}

	if err := verify.CheckSize("source", st.srcInfo.Size, st.size); err != nil {
		return err
	}
	return verify.CheckSize("target", observed, st.size)
}

// discoverTarget waits until an object named filename shows up anywhere under
// the target prefix
func (r *Runner) discoverTarget(ctx context.Context, filename string) (string, error) {
	lister, ok := r.target.(storage.Lister)
	if !ok {
		return "", fmt.Errorf("target %s cannot list objects for key discovery", r.target.Kind())
	}

	var key string
	err := r.poller.Until(ctx, "target key discovery", func(ctx context.Context) error {
		info, err := storage.Discover(ctx, lister, r.cfg.Target.Prefix, filename)
		if err != nil {
			return err
		}
		key = info.Key
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("target object was not discovered: %w", err)
	}
	r.logger.WithField("key", key).Info("Discovered target key")
	return key, nil
}

func (r *Runner) verify(ctx context.Context, st *run, rep *report.Report) error {
	compared, err := verify.CheckETag(st.srcInfo.ETag, st.tgtInfo.ETag)
	if err != nil {
		return err
	}
	if compared {
		rep.ETag = "match"
	} else {
		rep.ETag = "skipped"
	}

	req := verify.Request{
		Seed:      st.seed,
		TotalSize: st.size,
		Target:    verify.ObjectReader(r.target, st.tgtKey),
	}
	if r.cfg.Verify.CompareSource {
		req.Source = verify.ObjectReader(r.source, st.srcKey)
	}
	rep.Offsets, rep.Window = r.verifier.Offsets(st.seed, st.size)
	if _, err := r.verifier.Verify(ctx, req); err != nil {
		return err
	}

	if r.cfg.Verify.FullCompare {
		return fullCompare(ctx, st.seed, st.size, r.target, st.tgtKey, r.compareSource(st), int(r.cfg.Transfer.IOChunkBytes))
	}
	return nil
}

type sourceObject struct {
	ep  storage.Endpoint
	key string
}

func (r *Runner) compareSource(st *run) *sourceObject {
	if !r.cfg.Verify.CompareSource {
		return nil
	}
	return &sourceObject{ep: r.source, key: st.srcKey}
}

// fullCompare streams the whole target (and source) through the verifier
func fullCompare(ctx context.Context, seed content.Seed, size int64, target storage.Endpoint, key string, src *sourceObject, bufSize int) error {
	tr, err := target.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to open target for full compare: %w", err)
	}
	defer tr.Close()

	if src == nil {
		return verify.CompareStreams(seed, size, tr, nil, bufSize)
	}
	sr, err := src.ep.Open(ctx, src.key)
	if err != nil {
		return fmt.Errorf("failed to open source for full compare: %w", err)
	}
	defer sr.Close()
	return verify.CompareStreams(seed, size, tr, sr, bufSize)
}

// cleanup deletes the test objects. Failures only produce warnings.
func (r *Runner) cleanup(ctx context.Context, st *run, rep *report.Report) {
	ctx = context.WithoutCancel(ctx)

	remove := func(side string, ep storage.Endpoint, key string) {
		dctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
		defer cancel()
		if err := ep.Delete(dctx, key); err != nil && !storage.IsNotFound(err) {
			st.logger.WithError(err).WithField("key", key).Warnf("Cleanup of %s failed", side)
			rep.Warn("cleanup of %s %s failed: %v", side, ep.Describe(key), err)
			return
		}
		st.logger.WithField("key", key).Infof("Removed %s object", side)
	}

	if r.cfg.Source.Cleanup && st.uploaded {
		remove("source", r.source, st.srcKey)
	}
	if r.cfg.Target.Cleanup && st.uploaded {
		remove("target", r.target, st.tgtKey)
	}
}

// finish fills the verdict and hands the report to the journal and metrics
func (r *Runner) finish(rep *report.Report, err error) {
	rep.Finished = time.Now().UTC()
	rep.Passed = err == nil
	if err != nil {
		rep.Failure = err.Error()
		rep.FailedCheck = FailedCheck(err)
	}

	entry := r.logger.WithFields(logrus.Fields{
		"test_id":  rep.TestID,
		"result":   rep.Status(),
		"duration": rep.Duration().Round(time.Millisecond),
	})
	if rep.Passed {
		entry.Info("End-to-end run passed")
	} else {
		entry.WithField("check", rep.FailedCheck).Error("End-to-end run failed")
	}

	if r.journal != nil {
		if err := r.journal.Save(rep); err != nil {
			r.logger.WithError(err).Warn("Failed to save run to journal")
			rep.Warn("journal: %v", err)
		}
	}

	if r.metrics != nil {
		r.metrics.RecordRun(rep.Label, rep.Mode, rep.Passed, rep.Size)
		if url := r.cfg.Monitoring.PushgatewayURL; url != "" {
			if err := r.metrics.Push(url, r.cfg.Monitoring.Job, rep.Label); err != nil {
				r.logger.WithError(err).Warn("Failed to push metrics")
				rep.Warn("%v", err)
			}
		}
	}
}

// FailedCheck names the check an error came from
func FailedCheck(err error) string {
	var ie *verify.IntegrityError
	var te *poll.TimeoutError
	switch {
	case errors.As(err, &ie):
		return ie.Check
	case errors.As(err, &te):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func pollStateLabel(state poll.PollState) string {
	switch {
	case state.LastErr != nil:
		return "not_found"
	case state.Count > 0:
		return "match"
	default:
		return "mismatch"
	}
}
