package logger

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTipRouter_Logger_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithOptions(Options{JSON: true, Writer: &buf})
	log.Info("keeper: crank finished", "epoch", 12, "empty", "")
	log.Debug("keeper: hidden")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "keeper: crank finished", line["msg"])
	require.EqualValues(t, 12, line["epoch"])
	require.NotContains(t, line, "empty")
	require.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`, line["time"])
}

func TestTipRouter_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 4, 5, 6, 7, 891_234_567, time.FixedZone("x", 3600))
	require.Equal(t, "2026-03-04T04:06:07.891Z", formatRFC3339Millis(ts))
}
