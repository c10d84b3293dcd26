package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Forward(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestFormatRecordSortsFieldsAndSkipsMeta(t *testing.T) {
	line := []byte(`{"level":"error","time":"x","message":"send failed","provider":"wecom","comp":"gateway"}` + "\n")
	got := formatRecord(line)
	assert.Equal(t, "[ERROR] send failed\n- comp=gateway\n- provider=wecom", got)
}

func TestFormatRecordNonJSON(t *testing.T) {
	assert.Equal(t, "plain text", formatRecord([]byte("  plain text \n")))
}

func TestWithKeepsParentFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriter(&buf, "debug")
	child := base.With(String("comp", "router"))
	child.Info("hello", Int("n", 2))
	base.Info("plain")

	out := buf.String()
	require.Contains(t, out, `"comp":"router"`)
	require.Contains(t, out, `"n":2`)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[1], "router")
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestSinkReceivesErrorsOnly(t *testing.T) {
	svc, log := New(Config{Level: "debug", Sink: SinkConfig{Enabled: true, MinLevel: "error", RatePerSec: 10}})
	defer svc.Close()
	sink := &captureSink{}
	svc.SetSink(sink)

	log.Warn("just a warning")
	log.Error("boom", String("provider", "discord"))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := sink.snapshot()[0]
	assert.True(t, strings.HasPrefix(got, "[ERROR] boom"), got)
	assert.Contains(t, got, "provider=discord")
}

func TestValidLevel(t *testing.T) {
	assert.True(t, ValidLevel(""))
	assert.True(t, ValidLevel("warning"))
	assert.False(t, ValidLevel("loud"))
}
