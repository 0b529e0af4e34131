package main

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

	"github.com/eventkeep/eventkeep/internal/app"
	"github.com/eventkeep/eventkeep/internal/config"
	"github.com/eventkeep/eventkeep/internal/engine"
	"github.com/eventkeep/eventkeep/internal/wide"
)

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"1710936000000", 1710936000000, false},
		{"2024-03-20T12:00:00Z", time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC).UnixMilli(), false},
		{"2024-03-20T14:00:00+02:00", time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC).UnixMilli(), false},
		{"yesterday", 0, true},
	}
	for _, tt := range tests {
		got, err := parseTime(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseFilters(t *testing.T) {
	f, err := parseFilters(nil)
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = parseFilters([]string{"source=api", "labels.host=h=1", "state="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"source": "api", "labels.host": "h=1", "state": ""}, f)

	_, err = parseFilters([]string{"source"})
	assert.Error(t, err)
	_, err = parseFilters([]string{"=api"})
	assert.Error(t, err)
}

func TestDecodeMessageDefaults(t *testing.T) {
	msg, err := decodeMessage([]byte(`{"event":{"type":"LogEvent"}}`), "ingest")
	require.NoError(t, err)
	assert.Equal(t, "ingest", msg.Channel)
	assert.Len(t, msg.Event.ID, 36)
	assert.NotZero(t, msg.Event.Timestamp)

	msg, err = decodeMessage([]byte(`{"channel":"c","event":{"id":"e1","type":"T","timestamp":5}}`), "ingest")
	require.NoError(t, err)
	assert.Equal(t, "c", msg.Channel)
	assert.Equal(t, "e1", msg.Event.ID)
	assert.Equal(t, int64(5), msg.Event.Timestamp)

	_, err = decodeMessage([]byte(`{not json`), "")
	assert.Error(t, err)
}

func TestIngest(t *testing.T) {
	eng := engine.New(wide.NewMemoryStore(), engine.Config{})
	input := strings.Join([]string{
		`{"channel":"ingest","event":{"id":"e1","type":"LogEvent","timestamp":1710936000000}}`,
		``,
		`{"channel":"ingest","event":{"id":"e2","type":"LogEvent","timestamp":1710936001000}}`,
		`{"channel":"ingest","event":{"id":"e1","type":"LatencyEvent","timestamp":1710936002000}}`,
		`garbage`,
		`{"event":{"id":"e3","type":"LogEvent","timestamp":1710936003000}}`,
		`{"event":{"id":"e4","type":"LogEvent","timestamp":1710936004000}}`,
	}, "\n")

	summary, err := ingest(context.Background(), eng, strings.NewReader(input), "", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Stored)
	assert.Equal(t, 1, summary.Conflicts)
	// garbage plus two messages without a channel
	assert.Equal(t, 3, summary.Failed)

	summary, err = ingest(context.Background(), eng, strings.NewReader(input), "other", 100)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Stored, "re-delivery stores again; e3 and e4 are new")
	assert.Equal(t, 1, summary.Conflicts)
	assert.Equal(t, 1, summary.Failed)

	ev, err := eng.GetEvent(context.Background(), "e3")
	require.NoError(t, err)
	require.NotNil(t, ev)
}

func TestWriteMetricsAfterIngest(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Storage.Type = config.StorageMemory
	a, err := app.New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Open(ctx))
	defer a.Close()

	input := `{"channel":"ingest","event":{"id":"e1","type":"LogEvent","timestamp":1710936000000}}`
	summary, err := ingest(ctx, a.Engine(), strings.NewReader(input), "", 10)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Stored)

	var buf bytes.Buffer
	require.NoError(t, writeMetrics(&buf, a.Registry()))
	assert.Contains(t, buf.String(), "# TYPE eventkeep_messages_stored_total counter")
	assert.Contains(t, buf.String(), "eventkeep_messages_stored_total 1")

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, dumpMetrics(path, a.Registry()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "eventkeep_messages_stored_total")
}
