package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLBeforeInitIsNop(t *testing.T) {
	mu.Lock()
	globalLogger = nil
	mu.Unlock()

	logger := L()
	require.NotNil(t, logger)
	logger.Info("discarded")
}

func TestInitWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")

	require.NoError(t, Init(Config{Level: "debug", Format: "json", OutputPath: path}))
	t.Cleanup(func() {
		mu.Lock()
		globalLogger = nil
		mu.Unlock()
	})

	Named("syncer").Debug("partition synced")
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"logger":"syncer"`)
	assert.Contains(t, string(data), "partition synced")
}
