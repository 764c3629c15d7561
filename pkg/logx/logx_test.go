package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "svitlobot/internal/transport"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "jobstore"))

	log.Debug("hidden")
	log.Info("fired", Int("due", 3), Err(nil), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &m))
	assert.Equal(t, "fired", m["message"])
	assert.Equal(t, "jobstore", m["comp"])
	assert.EqualValues(t, 3, m["due"])
	assert.Equal(t, "boom", m["err"])
	assert.Contains(t, m["caller"], "logx_test.go:")
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	assert.True(t, zero.IsZero())
	assert.False(t, Nop().IsZero())
	assert.NotPanics(t, func() {
		zero.Error("dropped")
		Nop().With(String("k", "v")).Warn("dropped")
	})
}

func TestRenderAlert(t *testing.T) {
	t.Parallel()
	line := `{"level":"error","time":"2026-01-29T10:00:00Z","caller":"x.go:1","message":"rebuild failed","gen":"g1","err":"db locked"}`
	assert.Equal(t, "[ERROR] rebuild failed\n- err=db locked\n- gen=g1", renderAlert([]byte(line)))
	assert.Equal(t, "not json", renderAlert([]byte(" not json \n")))
	assert.Len(t, renderAlert([]byte(strings.Repeat("x", 5000))), alertMaxLen)
}

func TestAlertAdmitGatesAndDedupes(t *testing.T) {
	t.Parallel()
	clock := time.Date(2026, 1, 29, 10, 0, 0, 0, time.UTC)
	a := newAlertSink(nil)
	a.now = func() time.Time { return clock }
	a.configure(TelegramConfig{MinLevel: "warn", RatePerSec: 100})

	_, ok := a.admit(zerolog.ErrorLevel, "x")
	assert.False(t, ok, "no chat")

	a.setChat(9)
	_, ok = a.admit(zerolog.InfoLevel, "x")
	assert.False(t, ok, "below min level")

	text, ok := a.admit(zerolog.ErrorLevel, "send failed")
	require.True(t, ok)
	assert.Equal(t, "send failed", text)

	for i := 0; i < 3; i++ {
		_, ok = a.admit(zerolog.ErrorLevel, "send failed")
		assert.False(t, ok)
	}
	_, ok = a.admit(zerolog.ErrorLevel, "other")
	assert.True(t, ok)

	clock = clock.Add(alertDedupe)
	text, ok = a.admit(zerolog.ErrorLevel, "send failed")
	require.True(t, ok)
	assert.Equal(t, "send failed\n(suppressed 3 repeats)", text)
}

type chatRecorder struct{ got chan string }

func (c chatRecorder) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.got <- text
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func TestServiceForwardsToAdminChat(t *testing.T) {
	t.Parallel()
	rec := chatRecorder{got: make(chan string, 4)}
	svc, log := New(Config{Level: "info", Telegram: TelegramConfig{Enabled: true, MinLevel: "error", RatePerSec: 10}}, rec)
	defer func() { require.NoError(t, svc.Close()) }()
	svc.SetTelegramTarget(77)

	log.Warn("quiet")
	log.Error("maintenance failed", String("spec", "1 0 * * *"))

	select {
	case text := <-rec.got:
		assert.Equal(t, "[ERROR] maintenance failed\n- spec=1 0 * * *", text)
	case <-time.After(2 * time.Second):
		t.Fatal("alert not forwarded")
	}
	select {
	case text := <-rec.got:
		t.Fatalf("unexpected alert %q", text)
	case <-time.After(50 * time.Millisecond):
	}
}
