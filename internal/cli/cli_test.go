package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/rpattn/dwhsync/internal/config"
	"github.com/rpattn/dwhsync/internal/domain"
)

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitHalted, GetExitCode(fmt.Errorf("%w: SalesOrderDetail", domain.ErrCriticalValidation)))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "failed to connect", errors.New("refused"))))

	wrapped := WrapExitError(ExitFailure, "reprocess pass failed", errors.New("timeout"))
	assert.Equal(t, "reprocess pass failed: timeout", wrapped.Error())
	assert.Equal(t, "timeout", errors.Unwrap(wrapped).Error())
}

func TestApplyWindowFlags(t *testing.T) {
	bookmark := domain.ProcessingWindow{
		From: time.Date(2025, 3, 9, 2, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC),
	}

	unchanged, err := applyWindowFlags(bookmark, "", "")
	require.NoError(t, err)
	assert.Equal(t, bookmark, unchanged)

	window, err := applyWindowFlags(bookmark, "2025-03-01", "2025-03-05T06:30:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), window.From)
	assert.Equal(t, time.Date(2025, 3, 5, 4, 30, 0, 0, time.UTC), window.To)

	_, err = applyWindowFlags(bookmark, "yesterday", "")
	assert.Error(t, err)

	_, err = applyWindowFlags(bookmark, "2025-03-11", "")
	assert.Error(t, err, "inverted window")
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = NewLogger(config.LogConfig{Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = NewLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestRootCommand_Tree(t *testing.T) {
	root := NewRootCommand()

	names := []string{}
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"migrate", "run", "reprocess", "serve"}, names)

	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	assert.NotNil(t, run.Flags().Lookup("from"))
	assert.NotNil(t, run.Flags().Lookup("to"))
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestRootOptions_LoadsConfigAndOverridesLevel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
source:
  kind: files
  dir: ./drops
dimensions:
  - name: DimCustomer
    natural_key: CustomerID
    tracked_columns: [City]
log:
  level: info
`), 0o600))

	opts := &RootOptions{ConfigPath: dir, LogLevel: "error"}
	require.NoError(t, opts.load())
	assert.Equal(t, "error", opts.Config.Log.Level)
	assert.Equal(t, "./drops", opts.Config.Source.Dir)
	assert.False(t, opts.Logger.Core().Enabled(zapcore.WarnLevel))

	bad := &RootOptions{ConfigPath: filepath.Join(dir, "missing", "config.yaml")}
	err := bad.load()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
