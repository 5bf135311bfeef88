package runner

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/transfer-e2e/internal/config"
	"github.com/guided-traffic/transfer-e2e/internal/content"
	"github.com/guided-traffic/transfer-e2e/internal/journal"
	"github.com/guided-traffic/transfer-e2e/internal/monitoring"
	"github.com/guided-traffic/transfer-e2e/internal/poll"
	"github.com/guided-traffic/transfer-e2e/internal/report"
	"github.com/guided-traffic/transfer-e2e/internal/storage"
	"github.com/guided-traffic/transfer-e2e/internal/storage/localstore"
	"github.com/guided-traffic/transfer-e2e/internal/verify"
)

const testSize = 3*1024*1024 + 17

func testConfig() *config.Config {
	return &config.Config{
		TestSize: testSize,
		Label:    "local-local",
		Source:   config.EndpointConfig{Kind: config.KindLocal, KeyMode: config.KeyModeExact},
		Target:   config.EndpointConfig{Kind: config.KindLocal, KeyMode: config.KeyModeExact},
		Transfer: config.TransferConfig{
			Mode:             config.ModeStream,
			IOChunkBytes:     64 * 1024,
			ProgressInterval: time.Hour,
		},
		Poll: config.PollConfig{
			Interval:    time.Millisecond,
			StablePolls: 2,
			Timeout:     5 * time.Second,
		},
		Verify: config.VerifyConfig{
			SpotChecks:     4,
			SpotCheckBytes: 64 * 1024,
			CompareSource:  true,
			FullCompare:    true,
			Concurrency:    2,
		},
		Monitoring: config.MonitoringConfig{Job: "transfer-e2e"},
	}
}

func newTestRunner(cfg *config.Config, src, tgt storage.Endpoint) *Runner {
	logger, _ := test.NewNullLogger()
	r := New(cfg, src, tgt, logger)
	r.newID = func() string { return "0123456789abcdef0123456789abcdef" }
	return r
}

// corruptingTarget flips one byte of everything written to it
type corruptingTarget struct {
	storage.Endpoint
	at int64
}

func (c *corruptingTarget) Put(ctx context.Context, key string, r io.Reader, size int64, meta map[string]string) error {
	return c.Endpoint.Put(ctx, key, &flipReader{r: r, at: c.at}, size, meta)
}

type flipReader struct {
	r   io.Reader
	at  int64
	pos int64
}

func (f *flipReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if f.at >= f.pos && f.at < f.pos+int64(n) {
		p[f.at-f.pos] ^= 0xff
	}
	f.pos += int64(n)
	return n, err
}

// failingDelete cannot remove anything
type failingDelete struct {
	storage.Endpoint
}

func (failingDelete) Delete(ctx context.Context, key string) error {
	return errors.New("permission denied")
}

func TestNewTestID(t *testing.T) {
	id := newTestID()
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), id)
	assert.NotEqual(t, id, newTestID())
	assert.Equal(t, "s3-sftp-test-abc.bin", Filename("s3-sftp", "abc"))
}

func TestRun_Pass(t *testing.T) {
	cfg := testConfig()
	src := localstore.NewMemory("src")
	tgt := localstore.NewMemory("tgt")

	j, err := journal.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer j.Close()
	m := monitoring.NewMetrics()

	var phases []string
	r := newTestRunner(cfg, src, tgt).WithJournal(j).WithMetrics(m).OnPhase(func(testID, label, phase string) {
		phases = append(phases, phase)
	})

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Passed)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", rep.TestID)
	assert.Equal(t, "local-local-test-0123456789abcdef0123456789abcdef.bin", rep.Filename)
	assert.Equal(t, []string{report.PhaseUpload, report.PhaseTransfer, report.PhaseWait, report.PhaseVerify}, phases)
	assert.Len(t, rep.Phases, 4)
	assert.Len(t, rep.Offsets, 4)
	assert.Equal(t, int64(64*1024), rep.Window)
	assert.Equal(t, "skipped", rep.ETag)
	assert.Empty(t, rep.Warnings)

	info, err := tgt.Stat(context.Background(), rep.TargetKey)
	require.NoError(t, err)
	assert.Equal(t, int64(testSize), info.Size)

	saved, err := j.Get(rep.TestID)
	require.NoError(t, err)
	assert.True(t, saved.Passed)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("local-local", config.ModeStream, "pass")))
	assert.Equal(t, float64(testSize), testutil.ToFloat64(m.BytesTransferred.WithLabelValues("local-local", "upload")))
	assert.Equal(t, float64(testSize), testutil.ToFloat64(m.BytesTransferred.WithLabelValues("local-local", "transfer")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SpotChecksTotal.WithLabelValues("local-local", "pass")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PollObservations.WithLabelValues("local-local", "match")))
}

func TestRun_CorruptedTarget(t *testing.T) {
	cfg := testConfig()
	cfg.Verify.Concurrency = 1
	src := localstore.NewMemory("src")
	tgt := &corruptingTarget{Endpoint: localstore.NewMemory("tgt"), at: 10}

	rep, err := newTestRunner(cfg, src, tgt).Run(context.Background())
	require.Error(t, err)
	assert.False(t, rep.Passed)
	assert.Equal(t, verify.StepSpot, rep.FailedCheck)
	assert.Contains(t, rep.Failure, "integrity check failed")

	var ie *verify.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 1, ie.Index)
	assert.Equal(t, int64(10), ie.ByteOffset)

	last := rep.Phases[len(rep.Phases)-1]
	assert.Equal(t, report.PhaseVerify, last.Name)
	assert.NotEmpty(t, last.Error)
}

func TestRun_Cleanup(t *testing.T) {
	cfg := testConfig()
	cfg.Source.Cleanup = true
	cfg.Target.Cleanup = true
	src := localstore.NewMemory("src")
	tgt := localstore.NewMemory("tgt")

	rep, err := newTestRunner(cfg, src, tgt).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.PhaseCleanup, rep.Phases[len(rep.Phases)-1].Name)

	_, err = src.Stat(context.Background(), rep.SourceKey)
	assert.True(t, storage.IsNotFound(err))
	_, err = tgt.Stat(context.Background(), rep.TargetKey)
	assert.True(t, storage.IsNotFound(err))
}

func TestRun_CleanupAfterFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Source.Cleanup = true
	cfg.Target.Cleanup = true
	src := localstore.NewMemory("src")
	inner := localstore.NewMemory("tgt")
	tgt := &corruptingTarget{Endpoint: inner, at: testSize - 1}

	rep, err := newTestRunner(cfg, src, tgt).Run(context.Background())
	require.Error(t, err)
	assert.False(t, rep.Passed)

	_, err = src.Stat(context.Background(), rep.SourceKey)
	assert.True(t, storage.IsNotFound(err))
	_, err = inner.Stat(context.Background(), rep.TargetKey)
	assert.True(t, storage.IsNotFound(err))
}

func TestRun_CleanupFailureIsWarning(t *testing.T) {
	cfg := testConfig()
	cfg.Target.Cleanup = true
	src := localstore.NewMemory("src")
	tgt := failingDelete{localstore.NewMemory("tgt")}

	rep, err := newTestRunner(cfg, src, tgt).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Passed)
	require.Len(t, rep.Warnings, 1)
	assert.Contains(t, rep.Warnings[0], "permission denied")
}

func TestRun_DiscoverTargetKey(t *testing.T) {
	cfg := testConfig()
	cfg.Target.KeyMode = config.KeyModeDiscover
	cfg.Target.Prefix = "in/"
	src := localstore.NewMemory("src")
	tgt := localstore.New(memfs.New(), "tgt", "in/", 0, nil)

	rep, err := newTestRunner(cfg, src, tgt).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "in/"+rep.Filename, rep.TargetKey)
	assert.Equal(t, "file://tgt/in/"+rep.Filename, rep.Target)
}

func TestRun_ExternalTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Transfer.Mode = config.ModeExternal
	cfg.Poll.Timeout = 30 * time.Millisecond
	src := localstore.NewMemory("src")
	tgt := localstore.NewMemory("tgt")

	rep, err := newTestRunner(cfg, src, tgt).Run(context.Background())
	require.Error(t, err)
	assert.True(t, poll.IsTimeout(err))
	assert.Equal(t, "timeout", rep.FailedCheck)
}

func TestRun_UploadFailure(t *testing.T) {
	cfg := testConfig()
	src := localstore.NewMemory("src")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := newTestRunner(cfg, src, localstore.NewMemory("tgt")).Run(ctx)
	require.Error(t, err)
	assert.Equal(t, "cancelled", rep.FailedCheck)
	assert.Len(t, rep.Phases, 1)
}

func TestCheck(t *testing.T) {
	cfg := testConfig()
	src := localstore.NewMemory("src")
	tgt := localstore.NewMemory("tgt")
	r := newTestRunner(cfg, src, tgt)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	checked, err := r.Check(context.Background(), CheckRequest{Key: rep.TargetKey, TestID: rep.TestID})
	require.NoError(t, err)
	assert.True(t, checked.Passed)
	assert.Equal(t, rep.SeedDigest, checked.SeedDigest)
	assert.Equal(t, int64(testSize), checked.Size)

	wrong, err := r.Check(context.Background(), CheckRequest{Key: rep.TargetKey, TestID: "other"})
	require.Error(t, err)
	assert.False(t, wrong.Passed)
	assert.Equal(t, verify.StepSpot, wrong.FailedCheck)

	_, err = r.Check(context.Background(), CheckRequest{Key: rep.TargetKey})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metadata")

	_, err = r.Check(context.Background(), CheckRequest{Key: "missing.bin", TestID: rep.TestID})
	assert.True(t, storage.IsNotFound(err))
}

// metaTarget reports fixed metadata for every object
type metaTarget struct {
	storage.Endpoint
	meta map[string]string
}

func (m *metaTarget) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	info, err := m.Endpoint.Stat(ctx, key)
	if err != nil {
		return info, err
	}
	info.Metadata = m.meta
	return info, nil
}

func putBareObject(t *testing.T, ep storage.Endpoint, key, testID string, size int64) {
	t.Helper()
	stream := content.NewStream(content.NewBareSeed(testID), size)
	require.NoError(t, ep.Put(context.Background(), key, stream, size, nil))
}

func TestCheck_BareSeed(t *testing.T) {
	cfg := testConfig()
	cfg.Label = "s3-sftp"
	tgt := localstore.NewMemory("tgt")
	putBareObject(t, tgt, "legacy.bin", "abc", testSize)
	r := newTestRunner(cfg, nil, tgt)

	rep, err := r.Check(context.Background(), CheckRequest{Key: "legacy.bin", TestID: "abc"})
	require.Error(t, err)
	assert.Equal(t, verify.StepSpot, rep.FailedCheck)

	rep, err = r.Check(context.Background(), CheckRequest{Key: "legacy.bin", TestID: "abc", BareSeed: true})
	require.NoError(t, err)
	assert.True(t, rep.Passed)
	assert.Equal(t, content.NewBareSeed("abc").Digest(), rep.SeedDigest)
}

func TestCheck_BareSeedFromMetadata(t *testing.T) {
	cfg := testConfig()
	inner := localstore.NewMemory("tgt")
	putBareObject(t, inner, "legacy.bin", "abc", testSize)
	tgt := &metaTarget{Endpoint: inner, meta: map[string]string{
		storage.MetaTestID:     "abc",
		storage.MetaSeedSHA256: content.NewBareSeed("abc").Digest(),
	}}

	rep, err := newTestRunner(cfg, nil, tgt).Check(context.Background(), CheckRequest{Key: "legacy.bin"})
	require.NoError(t, err)
	assert.True(t, rep.Passed)
	assert.Equal(t, "abc", rep.TestID)

	tgt.meta[storage.MetaSeedSHA256] = content.NewSeed("other", "abc").Digest()
	_, err = newTestRunner(cfg, nil, tgt).Check(context.Background(), CheckRequest{Key: "legacy.bin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match test id")
}

func TestPollStateLabel(t *testing.T) {
	assert.Equal(t, "not_found", pollStateLabel(poll.PollState{LastErr: storage.ErrNotFound}))
	assert.Equal(t, "match", pollStateLabel(poll.PollState{Count: 1}))
	assert.Equal(t, "mismatch", pollStateLabel(poll.PollState{}))
}

func TestFailedCheck(t *testing.T) {
	assert.Equal(t, verify.StepSize, FailedCheck(verify.CheckSize("target", 1, 2)))
	assert.Equal(t, "timeout", FailedCheck(&poll.TimeoutError{}))
	assert.Equal(t, "cancelled", FailedCheck(context.Canceled))
	assert.Equal(t, "error", FailedCheck(errors.New("boom")))
}
