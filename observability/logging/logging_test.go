package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWithFileWritesStructuredLines(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	path := filepath.Join(t.TempDir(), "settlementd.log")
	logger, closer := SetupWithFile("settlementd", "test", FileConfig{Path: path})
	logger.Info("settled", slog.String("transaction", "abc"))
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(raw))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	require.Equal(t, "settled", entry["message"])
	require.Equal(t, "INFO", entry["severity"])
	require.Equal(t, "settlementd", entry["service"])
	require.Equal(t, "test", entry["env"])
	require.Equal(t, "abc", entry["transaction"])
	require.Contains(t, entry, "timestamp")
}

func TestSetupWithFileWithoutPath(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	logger, closer := SetupWithFile("settlementd", "", FileConfig{})
	require.NotNil(t, logger)
	require.NoError(t, closer.Close())
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("signer_key", "deadbeef").Value.String())
	require.Equal(t, "0xabc", MaskField("hash", "0xabc").Value.String())
	require.Equal(t, "", MaskField("signer_key", "").Value.String())
}
