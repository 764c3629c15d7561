package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "svitlobot/internal/transport"
)

const (
	alertQueue     = 128
	alertMaxLen    = 3500
	alertFieldLen  = 600
	alertDedupe    = time.Minute
	alertSendLimit = 10 * time.Second
)

// alertSink is a zerolog.LevelWriter that forwards lines to a Telegram chat.
// Writes never block: over the rate limit or with a full queue the line is
// dropped. An identical line within alertDedupe is suppressed and counted; the
// next forwarded copy carries the repeat count.
type alertSink struct {
	sender kit.Sender
	queue  chan string
	now    func() time.Time

	mu       sync.Mutex
	chatID   int64
	minLevel zerolog.Level
	limiter  *rate.Limiter
	seen     map[string]seenAlert

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type seenAlert struct {
	at      time.Time
	repeats int
}

func newAlertSink(sender kit.Sender) *alertSink {
	return &alertSink{
		sender:   sender,
		queue:    make(chan string, alertQueue),
		now:      time.Now,
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		seen:     map[string]seenAlert{},
	}
}

func (a *alertSink) setChat(chatID int64) {
	a.mu.Lock()
	a.chatID = chatID
	a.mu.Unlock()
}

func (a *alertSink) configure(cfg TelegramConfig) {
	rps := max(cfg.RatePerSec, 1)
	a.mu.Lock()
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.mu.Unlock()
	if cfg.Enabled {
		a.start()
	}
}

func (a *alertSink) start() {
	a.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.mu.Lock()
		a.cancel = cancel
		a.done = make(chan struct{})
		done := a.done
		a.mu.Unlock()
		go a.loop(ctx, done)
	})
}

func (a *alertSink) stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *alertSink) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			a.mu.Lock()
			chatID := a.chatID
			a.mu.Unlock()
			if a.sender == nil || chatID == 0 {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendLimit)
			_, _ = a.sender.SendText(sctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.InfoLevel, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	text, ok := a.admit(level, renderAlert(p))
	if !ok {
		return len(p), nil
	}
	select {
	case a.queue <- text:
	default:
	}
	return len(p), nil
}

// admit applies the level gate, duplicate suppression and the rate limit.
func (a *alertSink) admit(level zerolog.Level, text string) (string, bool) {
	if text == "" {
		return "", false
	}
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chatID == 0 || level < a.minLevel {
		return "", false
	}
	prev, dup := a.seen[text]
	if dup && now.Sub(prev.at) < alertDedupe {
		prev.repeats++
		a.seen[text] = prev
		return "", false
	}
	if !a.limiter.AllowN(now, 1) {
		return "", false
	}
	for k, v := range a.seen {
		if now.Sub(v.at) >= alertDedupe {
			delete(a.seen, k)
		}
	}
	a.seen[text] = seenAlert{at: now}
	if dup && prev.repeats > 0 {
		text = truncate(fmt.Sprintf("%s\n(suppressed %d repeats)", text, prev.repeats), alertMaxLen)
	}
	return text, true
}

// renderAlert turns a JSON log line into "[LEVEL] message" followed by sorted
// key=value lines. Time and caller are dropped so repeats compare equal.
func renderAlert(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, alertMaxLen)
	}
	level, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if level != "" {
		b.WriteString("[" + strings.ToUpper(level) + "] ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), alertFieldLen))
	}
	return truncate(b.String(), alertMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
