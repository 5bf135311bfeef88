package transfer

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/transfer-e2e/internal/config"
	"github.com/guided-traffic/transfer-e2e/internal/content"
	"github.com/guided-traffic/transfer-e2e/internal/storage"
	"github.com/guided-traffic/transfer-e2e/internal/storage/localstore"
	"github.com/guided-traffic/transfer-e2e/internal/verify"
)

func quietEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func transferConfig(mode string) config.TransferConfig {
	return config.TransferConfig{
		Mode:             mode,
		IOChunkBytes:     4096,
		ProgressInterval: time.Second,
	}
}

func TestTransfer_Stream(t *testing.T) {
	ctx := context.Background()
	src := localstore.NewMemory("src")
	tgt := localstore.NewMemory("tgt")

	seed := content.NewSeed("local-local", "stream")
	const size = 70_000
	require.NoError(t, src.Put(ctx, "in.bin", content.NewStream(seed, size), size, nil))

	tr := New(transferConfig(config.ModeStream), quietEntry())
	var counted int
	tr.OnBytes(func(n int) { counted += n })

	res, err := tr.Transfer(ctx, Request{Source: src, Target: tgt, SourceKey: "in.bin", TargetKey: "out/in.bin", Size: size})
	require.NoError(t, err)
	assert.Equal(t, config.ModeStream, res.Mode)
	assert.Equal(t, int64(size), res.Bytes)
	assert.Equal(t, size, counted)

	rc, err := tgt.Open(ctx, "out/in.bin")
	require.NoError(t, err)
	defer rc.Close()
	assert.NoError(t, verify.CompareStreams(seed, size, rc, nil, 1000))
}

func TestTransfer_StreamMissingSource(t *testing.T) {
	tr := New(transferConfig(config.ModeStream), quietEntry())
	_, err := tr.Transfer(context.Background(), Request{
		Source: localstore.NewMemory("src"), Target: localstore.NewMemory("tgt"),
		SourceKey: "nope.bin", TargetKey: "nope.bin", Size: 1,
	})
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

// lenientTarget accepts any number of bytes
type lenientTarget struct {
	*localstore.Store
	got bytes.Buffer
}

func (l *lenientTarget) Put(ctx context.Context, key string, r io.Reader, size int64, meta map[string]string) error {
	_, err := io.Copy(&l.got, r)
	return err
}

func TestTransfer_StreamByteCountMismatch(t *testing.T) {
	ctx := context.Background()
	src := localstore.NewMemory("src")
	require.NoError(t, src.Put(ctx, "in.bin", bytes.NewReader(make([]byte, 90)), 90, nil))

	tgt := &lenientTarget{Store: localstore.NewMemory("tgt")}
	tr := New(transferConfig(config.ModeStream), quietEntry())
	_, err := tr.Transfer(ctx, Request{Source: src, Target: tgt, SourceKey: "in.bin", TargetKey: "x", Size: 100})

	var ierr *verify.IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, verify.StepTransferred, ierr.Check)
	assert.Contains(t, ierr.Reason, "transferred 90 bytes, expected 100")
}

func TestTransfer_External(t *testing.T) {
	tr := New(transferConfig(config.ModeExternal), quietEntry())
	res, err := tr.Transfer(context.Background(), Request{
		Source: localstore.NewMemory("src"), Target: localstore.NewMemory("tgt"),
		SourceKey: "a", TargetKey: "b", Size: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Bytes)
	assert.Equal(t, config.ModeExternal, tr.Mode())
}

func TestTransfer_ServerCopyUnsupported(t *testing.T) {
	tr := New(transferConfig(config.ModeServerCopy), quietEntry())
	_, err := tr.Transfer(context.Background(), Request{
		Source: localstore.NewMemory("src"), Target: localstore.NewMemory("tgt"),
		SourceKey: "a", TargetKey: "b", Size: 10,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support server-side copy")
}

// copyTarget records server-side copies
type copyTarget struct {
	*localstore.Store
	calls []string
}

func (c *copyTarget) CopyFrom(ctx context.Context, src storage.Endpoint, srcKey, dstKey string, size int64) error {
	c.calls = append(c.calls, srcKey+"->"+dstKey)
	return nil
}

func TestTransfer_ServerCopy(t *testing.T) {
	tgt := &copyTarget{Store: localstore.NewMemory("tgt")}
	tr := New(transferConfig(config.ModeServerCopy), quietEntry())

	res, err := tr.Transfer(context.Background(), Request{
		Source: localstore.NewMemory("src"), Target: tgt,
		SourceKey: "a", TargetKey: "b", Size: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Bytes)
	assert.Equal(t, []string{"a->b"}, tgt.calls)
}

func TestTransfer_UnknownMode(t *testing.T) {
	tr := New(transferConfig("teleport"), nil)
	_, err := tr.Transfer(context.Background(), Request{
		Source: localstore.NewMemory("src"), Target: localstore.NewMemory("tgt"),
	})
	assert.ErrorContains(t, err, "unsupported transfer mode")
}

func TestProgressReader(t *testing.T) {
	logger, hook := test.NewNullLogger()
	pr := NewProgressReader(bytes.NewReader(make([]byte, 1000)), 1000, 10*time.Second, logrus.NewEntry(logger))

	clock := pr.started
	pr.now = func() time.Time { return clock }

	buf := make([]byte, 100)
	_, err := pr.Read(buf)
	require.NoError(t, err)
	assert.Empty(t, hook.AllEntries())

	clock = clock.Add(10 * time.Second)
	_, err = pr.Read(buf)
	require.NoError(t, err)
	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, "Transfer progress", entry.Message)
	assert.Equal(t, "20.0", entry.Data["percent"])
	assert.Equal(t, "200 B", entry.Data["transferred"])
	assert.Equal(t, "20 B/s", entry.Data["rate"])

	clock = clock.Add(time.Second)
	_, err = pr.Read(buf)
	require.NoError(t, err)
	assert.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, int64(300), pr.BytesRead())

	n, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)
	assert.Equal(t, int64(700), n)
}
