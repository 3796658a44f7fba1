package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcfes/stimtune/internal/control"
	"github.com/hcfes/stimtune/pkg/config"
	"github.com/hcfes/stimtune/pkg/logger"
	"github.com/hcfes/stimtune/pkg/models"
)

const quickSession = `
session:
  muscles: [biceps_r, triceps_r]
  direction: maximize
  trial_duration: 200ms
  sample_rate_hz: 200
  watchdog_grace: 2s
  trial_budget: 4
  max_consecutive_failures: 2
  max_excluded_trials: 3

calibration:
  bounds:
    biceps_r: {low: 4, high: 16}
    triceps_r: {low: 5, high: 14}

parameters:
  frequency_hz: {fixed: 30}
  pulse_width_us: {fixed: 300}

optimizer:
  initial_points: 2
  initial_design: lhs
  candidates: 50
  restarts: 1
  seed: 11

objective:
  warmup: 0s
  min_samples: 5
  statistic: median

persistence:
  backend: memory

device:
  driver: simulated
  connect_attempts: 1
  connect_base: 1ms

log:
  level: error
  format: text
`

const quickVectors = `
trials:
  - biceps_r: {intensity_ma: 8}
    triceps_r: {intensity_ma: 9}
  - biceps_r: {intensity_ma: 12}
    triceps_r: {intensity_ma: 10}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	t.Cleanup(func() { logger.SetDefault(logger.New("info", os.Stderr)) })
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersionCommand(t *testing.T) {
	code, out, _ := execute(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "stimtune dev\n", out)
}

func TestRunDryRun(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "session.yaml", quickSession)

	code, out, errOut := execute(t, "run", "-c", cfgPath, "--dry-run", "--session-id", "cli-dry")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "session     cli-dry")
	assert.Contains(t, out, "stopped     trial budget reached")
	assert.Contains(t, out, "trials      4 (0 excluded)")
	assert.Contains(t, out, "biceps_r")
}

func TestRunFileBackendWritesWatchableLog(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "session.yaml", quickSession)
	sessions := filepath.Join(dir, "sessions")

	code, _, errOut := execute(t, "run", "-c", cfgPath,
		"--backend", "file", "--persistence-dir", sessions, "--session-id", "cli-file")
	require.Equal(t, 0, code, errOut)

	logPath := filepath.Join(sessions, "cli-file", "trials.jsonl")
	require.FileExists(t, logPath)
	assert.FileExists(t, filepath.Join(sessions, "cli-file", "result.json"))

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := watchTrials(ctx, logPath, watchOptions{FromStart: true}, &buf, logger.Discard())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "trial    0  optimizer observed"), lines[0])
	assert.Contains(t, lines[3], "objective")
}

func TestEnvironmentOverridesConfig(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "session.yaml", quickSession)
	t.Setenv("STIMTUNE_PERSISTENCE_BACKEND", "bogus")

	code, _, errOut := execute(t, "run", "-c", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid backend: bogus")
}

func TestFlagOverridesEnvironment(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "session.yaml", quickSession)
	t.Setenv("STIMTUNE_PERSISTENCE_BACKEND", "bogus")

	code, _, errOut := execute(t, "run", "-c", cfgPath, "--backend", "memory")
	assert.Equal(t, 0, code, errOut)
}

func TestManualVectorsRun(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "session.yaml", quickSession)
	vecPath := writeFile(t, dir, "manual.yaml", quickVectors)

	code, out, errOut := execute(t, "manual", "-c", cfgPath, "--dry-run", "--vectors", vecPath)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "stopped     manual source exhausted")
	assert.Contains(t, out, "trials      2 (0 excluded)")
}

func TestManualRejectsOutOfBoundsBeforeRunning(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "session.yaml", quickSession)
	vecPath := writeFile(t, dir, "manual.yaml", `
trials:
  - biceps_r: {intensity_ma: 8}
    triceps_r: {intensity_ma: 9}
  - biceps_r: {intensity_ma: 40}
    triceps_r: {intensity_ma: 9}
`)

	code, out, errOut := execute(t, "manual", "-c", cfgPath, "--dry-run", "--vectors", vecPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "manual trial 1")
	assert.NotContains(t, out, "stopped")
}

func TestManualNeedsASource(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "session.yaml", quickSession)

	code, _, errOut := execute(t, "manual", "-c", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "one of --vectors or --queue is required")

	code, _, errOut = execute(t, "manual", "-c", cfgPath, "--queue", "--dry-run")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "control address")
}

func TestResumeRefusesDryRun(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "session.yaml", quickSession)

	code, _, errOut := execute(t, "resume", "some-session", "-c", cfgPath, "--dry-run")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--dry-run")
}

func TestResumeUnknownSession(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "session.yaml", quickSession)

	code, _, errOut := execute(t, "resume", "missing", "-c", cfgPath,
		"--backend", "file", "--persistence-dir", filepath.Join(dir, "sessions"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "load session manifest")
}

func TestResumeFinishedSessionStopsImmediately(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "session.yaml", quickSession)
	sessions := filepath.Join(dir, "sessions")

	code, _, errOut := execute(t, "run", "-c", cfgPath,
		"--backend", "file", "--persistence-dir", sessions, "--session-id", "cli-resume")
	require.Equal(t, 0, code, errOut)

	code, out, errOut := execute(t, "resume", "cli-resume", "-c", cfgPath,
		"--backend", "file", "--persistence-dir", sessions)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "session     cli-resume")
	assert.Contains(t, out, "stopped     trial budget reached")
	assert.Contains(t, out, "trials      4 (0 excluded)")
}

func TestBoundsCheck(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "session.yaml", quickSession)

	code, out, errOut := execute(t, "bounds", "check", "-c", cfgPath)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "biceps_r     [4, 16]")
	assert.Contains(t, out, "search dimensions: 2")

	good := writeFile(t, dir, "good.yaml", quickVectors)
	code, out, errOut = execute(t, "bounds", "check", "-c", cfgPath, "--vectors", good)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "trial 1: ok")

	bad := writeFile(t, dir, "bad.yaml", `
trials:
  - biceps_r: {intensity_ma: 3}
    triceps_r: {intensity_ma: 9}
`)
	code, out, errOut = execute(t, "bounds", "check", "-c", cfgPath, "--vectors", bad)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "trial 0: REJECTED")
	assert.Contains(t, errOut, "1 of 1 manual trials")
}

func TestStatusAndAbortRemote(t *testing.T) {
	cfg, err := config.ParseSessionYAML([]byte(quickSession))
	require.NoError(t, err)
	log := logger.Discard()

	st, err := openStack(context.Background(), cfg, log)
	require.NoError(t, err)
	defer st.Close()
	ctl, err := st.controller("cli-remote", nil)
	require.NoError(t, err)

	surface, err := control.Listen("", "127.0.0.1:0", ctl, st.history, log)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- surface.Serve(ctx) }()
	defer func() {
		cancel()
		<-served
	}()

	code, out, errOut := execute(t, "status", "--remote", surface.GRPCAddr())
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"session_id": "cli-remote"`)
	assert.Contains(t, out, `"phase": "idle"`)

	code, out, errOut = execute(t, "abort", "--remote", surface.GRPCAddr())
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"abort_requested": true`)
}

func TestWatchNeedsALog(t *testing.T) {
	code, _, errOut := execute(t, "watch")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "one of --log or --session is required")
}

func TestFormatTrial(t *testing.T) {
	obj := 41.5
	observed := models.TrialRecord{
		Index:      3,
		Origin:     models.OriginOptimizer,
		Observed:   true,
		Objective:  &obj,
		Parameters: models.ParameterVector{Settings: []models.MuscleSetting{{Muscle: "biceps_r", IntensityMA: 9}}},
	}
	assert.Equal(t, "trial    3  optimizer observed   objective    41.5000  [biceps_r=9.00mA]", formatTrial(observed))

	excluded := models.TrialRecord{
		Index:      4,
		Origin:     models.OriginManual,
		Excluded:   true,
		Reason:     "device dropout",
		Parameters: models.ParameterVector{Settings: []models.MuscleSetting{{Muscle: "biceps_r", IntensityMA: 12}}},
	}
	assert.Equal(t, "trial    4  manual    excluded   [biceps_r=12.00mA]  (device dropout)", formatTrial(excluded))
}
