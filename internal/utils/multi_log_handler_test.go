package utils

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiLogHandler_RespectsLevels(t *testing.T) {
	var debug, info bytes.Buffer
	logger := slog.New(NewMultiLogHandler(
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
	))

	logger.Debug("scan done", "objects", 3)
	logger.With("vault", "nas").WithGroup("lock").Info("acquire", "name", "storeman")

	assert.Contains(t, debug.String(), "scan done")
	assert.NotContains(t, info.String(), "scan done")
	assert.Contains(t, info.String(), "vault=nas")
	assert.Contains(t, info.String(), "lock.name=storeman")
}

func TestMaskSettings(t *testing.T) {
	masked := MaskSettings(map[string]string{
		"bucket":     "archive",
		"secret_key": "abcdefgh",
		"access_key": "AK",
	})
	assert.Equal(t, "archive", masked["bucket"])
	assert.Equal(t, "abcd*****", masked["secret_key"])
	assert.Equal(t, "*****", masked["access_key"])
	assert.Nil(t, MaskSettings(nil))
}
