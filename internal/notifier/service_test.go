package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svitlobot/internal/eventbus"
	"svitlobot/internal/outage"
	kit "svitlobot/internal/transport"
	logx "svitlobot/pkg/logx"
)

type sent struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	out  []sent
	errs map[int64]error
	wait bool
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if f.wait {
		<-ctx.Done()
		return kit.MessageRef{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	f.out = append(f.out, sent{chatID: to.ChatID, text: text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.out)}, nil
}

func (f *fakeSender) sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.out...)
}

type fakeSubs map[string][]outage.Subscriber

func (f fakeSubs) ListSubscribersWithPrefs(_ context.Context, company, queue string) ([]outage.Subscriber, error) {
	if company == "BROKEN" {
		return nil, errors.New("db down")
	}
	return f[company+"/"+queue], nil
}

func TestNotifyClassifiesOutcomes(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{errs: map[int64]error{
		2: fmt.Errorf("telegram: %w", kit.ErrRecipientUnavailable),
		3: errors.New("connection reset"),
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := New(Config{RatePerSec: 100}, snd, nil, logx.Nop(), bus)
	ctx := context.Background()

	tests := []struct {
		name  string
		n     Notice
		want  Result
		event string
	}{
		{"delivered", Notice{UserID: 1, Company: "DTEK", Queue: "3.2", Kind: outage.NotifyOff, Lang: "uk"}, ResultDelivered, eventbus.TypeNotifySent},
		{"blocked", Notice{UserID: 2, Company: "DTEK", Queue: "3.2", Kind: outage.NotifyOn}, ResultUndeliverable, eventbus.TypeNotifyUndeliver},
		{"network", Notice{UserID: 3, Company: "DTEK", Queue: "3.2", Kind: outage.ReminderOn}, ResultFailed, eventbus.TypeNotifyFailed},
		{"bad kind", Notice{UserID: 4, Kind: outage.Kind("x")}, ResultSkipped, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Notify(ctx, tt.n), tt.name)
		if tt.event == "" {
			continue
		}
		select {
		case ev := <-events:
			assert.Equal(t, tt.event, ev.Type, tt.name)
		case <-time.After(time.Second):
			t.Fatalf("%s: no event", tt.name)
		}
	}

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Equal(t, uint64(1), st.Undeliverable)
	assert.Equal(t, uint64(1), st.Failed)
	assert.Equal(t, uint64(1), st.Skipped)
	assert.Len(t, st.History, 3)

	out := snd.sent()
	require.Len(t, out, 1)
	assert.Contains(t, out[0].text, "DTEK")
	assert.Contains(t, out[0].text, "3.2")
}

func TestNotifyTimesOut(t *testing.T) {
	t.Parallel()
	s := New(Config{SendTimeout: 20 * time.Millisecond}, &fakeSender{wait: true}, nil, logx.Nop(), nil)

	start := time.Now()
	assert.Equal(t, ResultFailed, s.Notify(context.Background(), Notice{UserID: 1, Kind: outage.NotifyOn}))
	assert.Less(t, time.Since(start), time.Second)
}

func TestBreakerOpensOnTransportFailures(t *testing.T) {
	t.Parallel()
	down := errors.New("connection refused")
	snd := &fakeSender{errs: map[int64]error{}}
	for id := int64(1); id <= BreakerTrips; id++ {
		snd.errs[id] = down
	}
	snd.errs[100] = kit.ErrRecipientUnavailable
	s := New(Config{RatePerSec: 100}, snd, nil, logx.Nop(), nil)
	ctx := context.Background()

	// Blocked recipients never count toward tripping.
	for i := 0; i < BreakerTrips+1; i++ {
		assert.Equal(t, ResultUndeliverable, s.Notify(ctx, Notice{UserID: 100, Kind: outage.NotifyOn}))
	}
	assert.Equal(t, gobreaker.StateClosed, s.breaker.State())

	for id := int64(1); id <= BreakerTrips; id++ {
		assert.Equal(t, ResultFailed, s.Notify(ctx, Notice{UserID: id, Kind: outage.NotifyOn}))
	}
	assert.Equal(t, gobreaker.StateOpen, s.breaker.State())

	// A healthy recipient now fails fast without touching the transport.
	assert.Equal(t, ResultFailed, s.Notify(ctx, Notice{UserID: 42, Kind: outage.NotifyOn}))
	assert.Empty(t, snd.sent())
}

func TestDispatchUsesJobLanguage(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := New(Config{}, snd, nil, logx.Nop(), nil)

	s.Dispatch(context.Background(), outage.Job{UserID: 5, Company: "DTEK", Queue: "1.1", Kind: outage.ReminderOff, Lang: "en"})
	out := snd.sent()
	require.Len(t, out, 1)
	assert.Equal(t, int64(5), out[0].chatID)
	assert.Contains(t, out[0].text, "10 minutes")
}

func TestDispatchMentionsConfiguredLead(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := New(Config{}, snd, nil, logx.Nop(), nil)

	s.Dispatch(context.Background(), outage.Job{UserID: 5, Company: "DTEK", Queue: "1.1", Kind: outage.ReminderOn, Lang: "uk", Lead: 15 * time.Minute})
	out := snd.sent()
	require.Len(t, out, 1)
	assert.Contains(t, out[0].text, "За 15 хвилин")
	assert.NotContains(t, out[0].text, "10")
}

func TestAnnounceUpdate(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{errs: map[int64]error{30: kit.ErrRecipientUnavailable}}
	subs := fakeSubs{
		"DTEK/1.1": {{UserID: 10, Prefs: outage.DefaultPreferences()}},
		"DTEK/3.2": {
			{UserID: 20, Prefs: outage.Preferences{Language: "ru"}},
			{UserID: 30, Prefs: outage.DefaultPreferences()},
		},
	}
	s := New(Config{AnnounceUpdates: true, RatePerSec: 100}, snd, subs, logx.Nop(), nil)

	rep := s.AnnounceUpdate(context.Background(), "DTEK", "10.03.2025", []string{"3.2", "1.1", "3.2", "9.9"})
	assert.Equal(t, AnnounceReport{Recipients: 3, Delivered: 2, Undeliverable: 1}, rep)

	out := snd.sent()
	require.Len(t, out, 2)
	assert.Equal(t, int64(10), out[0].chatID)
	assert.Contains(t, out[0].text, "10.03.2025")
	assert.Equal(t, int64(20), out[1].chatID)
	assert.Contains(t, out[1].text, "Обновлён")
}

func TestAnnounceUpdateDisabledOrBrokenSource(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	off := New(Config{}, snd, fakeSubs{}, logx.Nop(), nil)
	assert.Zero(t, off.AnnounceUpdate(context.Background(), "DTEK", "d", []string{"1"}))

	on := New(Config{AnnounceUpdates: true}, snd, fakeSubs{}, logx.Nop(), nil)
	assert.Zero(t, on.AnnounceUpdate(context.Background(), "BROKEN", "d", []string{"1"}))
	assert.Empty(t, snd.sent())
}
