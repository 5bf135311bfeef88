package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/transfer-e2e/internal/report"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeLocalConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
log_level: error
test_size: 2MiB
source:
  kind: local
  path: %s
target:
  kind: local
  path: %s
  prefix: incoming
poll:
  interval: 10ms
  stable_polls: 2
  timeout: 10s
verify:
  spot_checks: 5
  spot_check_bytes: 32KiB
  full_compare: true
journal:
  path: %s
`, filepath.Join(dir, "src"), filepath.Join(dir, "tgt"), filepath.Join(dir, "runs.db"))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestRunVerifyHistory(t *testing.T) {
	cfgPath := writeLocalConfig(t)

	out, err := execute(t, "--config", cfgPath, "run", "--json")
	require.NoError(t, err)

	var rep report.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.Passed)
	assert.Equal(t, "local-local", rep.Label)
	assert.Equal(t, int64(2*1024*1024), rep.Size)
	assert.Equal(t, "incoming/"+rep.Filename, rep.TargetKey)
	assert.Len(t, rep.Offsets, 5)

	out, err = execute(t, "--config", cfgPath, "verify", "--key", rep.TargetKey, "--test-id", rep.TestID)
	require.NoError(t, err)
	assert.Contains(t, out, "PASS "+rep.TestID)

	out, err = execute(t, "--config", cfgPath, "verify", "--key", rep.TargetKey, "--test-id", "someone-else")
	require.Error(t, err)
	assert.Equal(t, exitFail, exitCode(err))
	assert.Contains(t, out, "FAIL")

	out, err = execute(t, "--config", cfgPath, "history")
	require.NoError(t, err)
	assert.Contains(t, out, rep.TestID)
	assert.Contains(t, out, "PASS")

	out, err = execute(t, "--config", cfgPath, "history", "show", rep.TestID)
	require.NoError(t, err)
	assert.Contains(t, out, "PASS "+rep.TestID+" (local-local)")

	_, err = execute(t, "--config", cfgPath, "history", "show", "unknown")
	require.Error(t, err)
}

func TestRun_ConfigError(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "run")
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestOffsets(t *testing.T) {
	out, err := execute(t, "offsets", "--test-id", "abc", "--label", "s3-s3", "--size", "10MB")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 10)
	assert.True(t, strings.HasPrefix(lines[0], "seed sha256: "))
	assert.Equal(t, "window: 262144 bytes", lines[1])
	assert.Equal(t, "0", lines[2])
	assert.Equal(t, "9737856", lines[9])
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitPass, exitCode(nil))
	assert.Equal(t, exitFail, exitCode(&exitError{code: exitFail, err: errors.New("fail")}))
	assert.Equal(t, exitConfig, exitCode(errors.New("plain")))
	assert.Equal(t, exitFail, exitCode(fmt.Errorf("wrapped: %w", &exitError{code: exitFail, err: errors.New("fail")})))
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("debug", "json")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	_, err = newLogger("loud", "text")
	assert.Error(t, err)

	_, err = newLogger("info", "xml")
	assert.Error(t, err)
}
