package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/testutils"
)

type cliEnv struct {
	dir        string
	configPath string
	metrics    string
	share      *testutils.Share
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	srv := testutils.NewShareServer(t)
	sh := srv.AddShare("gi01", "pw")
	sh.Put("Textures/Body.png", []byte("body"), "t1")
	sh.Put("readme.txt", []byte("hello"), "r1")

	dir := t.TempDir()
	env := &cliEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "hoyosync.yaml"),
		metrics:    filepath.Join(dir, "hoyosync.prom"),
		share:      sh,
	}
	cfg := fmt.Sprintf(`cache_url: file://%s
http:
  retry:
    backoff: 1ms
log:
  level: error
  output: %s
metrics_textfile: %s
partitions:
  - key: gi
    remote_url: %s
    local_root: %s
  - key: local
    local_root: %s
`,
		filepath.ToSlash(filepath.Join(dir, "cache")),
		filepath.Join(dir, "hoyosync.log"),
		env.metrics,
		sh.URL(),
		filepath.Join(dir, "gi"),
		filepath.Join(dir, "local"),
	)
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0o644))
	return env
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	a := &app{}
	cmd := newRootCommand(a)

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	a.close()
	return buf.String(), exitCode(err)
}

func TestStatusThenSync(t *testing.T) {
	env := newCLIEnv(t)

	out, code := env.run(t, "status")
	assert.Equal(t, ExitUpdatesPending, code)
	assert.Contains(t, out, "gi: not downloaded yet, 2 files (9 B)")
	assert.Contains(t, out, "local: up to date")

	out, code = env.run(t, "sync", "--quiet")
	require.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "2 partitions: 1 succeeded, 0 up to date, 1 skipped, 0 failed; 2 files (9 B) downloaded, 0 deleted")

	data, err := os.ReadFile(filepath.Join(env.dir, "gi", "Textures", "Body.png"))
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))
	assert.FileExists(t, filepath.Join(env.dir, "cache", "cache.json"))
	assert.FileExists(t, filepath.Join(env.dir, "cache", "index", "gi.json"))

	prom, err := os.ReadFile(env.metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "hoyosync_files_downloaded_total")

	out, code = env.run(t, "status", "gi")
	assert.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "gi: up to date")

	out, code = env.run(t, "status", "--if-due")
	assert.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "Update check not due yet")
}

func TestSyncShowsProgress(t *testing.T) {
	env := newCLIEnv(t)

	out, code := env.run(t, "sync", "gi")
	require.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "[hoyosync] Partitions: 1 | Files: 2 | Size: 9 B")
}

func TestApplyCommand(t *testing.T) {
	env := newCLIEnv(t)

	out, code := env.run(t, "apply", "--quiet")
	require.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "2 files (9 B) downloaded")

	env.share.Remove("readme.txt")
	out, code = env.run(t, "status")
	assert.Equal(t, ExitUpdatesPending, code)
	assert.Contains(t, out, "gi: 0 missing, 0 outdated, 1 deleted")

	out, code = env.run(t, "apply", "--quiet")
	require.Equal(t, ExitSuccess, code, out)
	assert.NoFileExists(t, filepath.Join(env.dir, "gi", "readme.txt"))

	out, code = env.run(t, "apply", "--quiet")
	assert.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "Everything is up to date")
}

func TestVerifyAndDeleteCommands(t *testing.T) {
	env := newCLIEnv(t)
	_, code := env.run(t, "sync", "--quiet")
	require.Equal(t, ExitSuccess, code)

	out, code := env.run(t, "verify")
	assert.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "gi: 2 checked, 0 invalid")
	assert.Contains(t, out, "local: 0 checked, 0 invalid")

	require.NoError(t, os.Remove(filepath.Join(env.dir, "gi", "readme.txt")))
	out, code = env.run(t, "verify", "gi")
	assert.Equal(t, ExitUpdatesPending, code)
	assert.Contains(t, out, "gi: 2 checked, 1 invalid\n  readme.txt")

	out, code = env.run(t, "delete", "gi")
	require.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "Deleted 1 files (4 B) from gi")
	assert.NoDirExists(t, filepath.Join(env.dir, "gi"))

	_, code = env.run(t, "delete", "gi")
	assert.Equal(t, ExitInvalidArgs, code)
}

func TestPurgeAndClearCommands(t *testing.T) {
	env := newCLIEnv(t)
	_, code := env.run(t, "sync", "--quiet")
	require.Equal(t, ExitSuccess, code)

	out, code := env.run(t, "purge")
	require.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "Deleted 2 files (9 B) from all partitions")
	assert.NoDirExists(t, filepath.Join(env.dir, "gi"))
	assert.NoFileExists(t, filepath.Join(env.dir, "cache", "index", "gi.json"))

	out, code = env.run(t, "clear")
	assert.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, "Cache cleared")
}

func TestUsageErrors(t *testing.T) {
	env := newCLIEnv(t)

	_, code := env.run(t, "sync", "--quiet", "nope")
	assert.Equal(t, ExitInvalidArgs, code)

	_, code = env.run(t, "sync", "--quiet", "gi", "gi")
	assert.Equal(t, ExitInvalidArgs, code)

	bad := filepath.Join(env.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("partition_workers: -1\n"), 0o644))
	a := &app{}
	cmd := newRootCommand(a)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", bad, "status"})
	err := cmd.Execute()
	a.close()
	assert.Equal(t, ExitInvalidArgs, exitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, exitCode(nil))
	assert.Equal(t, ExitGeneralError, exitCode(errors.New("boom")))

	err := fmt.Errorf("wrapped: %w", withExitCode(ExitStorageError, errors.New("disk full")))
	assert.Equal(t, ExitStorageError, exitCode(err))
	assert.EqualError(t, err, "wrapped: disk full")
	assert.Nil(t, withExitCode(ExitSyncFailed, nil))
}
