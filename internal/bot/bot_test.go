package bot

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svitlobot/internal/i18n"
	"svitlobot/internal/jobstore"
	"svitlobot/internal/notifier"
	"svitlobot/internal/outage"
	"svitlobot/internal/schedule"
	"svitlobot/internal/storage"
	"svitlobot/internal/task/engine"
	kit "svitlobot/internal/transport"
	logx "svitlobot/pkg/logx"
)

const (
	adminID = int64(1)
	userID  = int64(100)
)

type sentMsg struct {
	chat int64
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{to.ChatID, text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1].text
}

type fakeRebuilder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeRebuilder) RebuildNow(context.Context) (schedule.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return schedule.Report{}, f.err
	}
	return schedule.Report{Generation: "gen-1", Scheduled: 4}, nil
}

func (f *fakeRebuilder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAnnouncer struct {
	mu      sync.Mutex
	company string
	date    string
	queues  []string
}

func (f *fakeAnnouncer) AnnounceUpdate(_ context.Context, company, date string, queues []string) notifier.AnnounceReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.company, f.date, f.queues = company, date, queues
	return notifier.AnnounceReport{Recipients: 1, Delivered: 1}
}

// inlineTasks runs tasks immediately on the caller's goroutine.
type inlineTasks struct{ names []string }

func (r *inlineTasks) Enqueue(t engine.Task) error {
	r.names = append(r.names, t.Name)
	return t.Run(context.Background())
}

type fakeJobs struct{ entries []jobstore.Entry }

func (f fakeJobs) Pending() []jobstore.Entry { return f.entries }

type harness struct {
	bot   *Bot
	send  *fakeSender
	rb    *fakeRebuilder
	ann   *fakeAnnouncer
	tasks *inlineTasks
	store storage.Store
	loc   *time.Location
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	loc, err := outage.LoadLocation("")
	require.NoError(t, err)

	h := &harness{send: &fakeSender{}, rb: &fakeRebuilder{}, ann: &fakeAnnouncer{}, tasks: &inlineTasks{}, store: st, loc: loc}
	h.bot = New(cfg, []int64{adminID}, Deps{
		Sender:    h.send,
		Store:     st,
		Rebuilder: h.rb,
		Jobs: fakeJobs{entries: []jobstore.Entry{
			{Key: "100|DTEK|3.2|2026-01-29|14:00|notify_off", At: time.Date(2026, 1, 29, 12, 0, 0, 0, time.UTC)},
		}},
		Announcer: h.ann,
		Tasks:     h.tasks,
		Location:  loc,
		Now:       func() time.Time { return time.Date(2026, 1, 29, 10, 0, 0, 0, loc) },
	})
	return h
}

func (h *harness) say(from int64, text string) {
	h.bot.Handle(context.Background(), kit.Update{
		Kind:    kit.UpdateMessage,
		Message: &kit.Message{ChatID: from, FromID: from, Text: text, IsPrivate: true},
	})
}

func uk(key string, vars i18n.Vars) string { return i18n.Text("uk", key, vars) }

func TestSubscribeRebuildsAndReplies(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.say(userID, "/sub dtek 3.2")
	assert.Equal(t, uk(i18n.KeySubOK, i18n.Vars{"company": "DTEK", "queue": "3.2", "max": "5"}), h.send.last(t))
	assert.Equal(t, 1, h.rb.count())

	subs, err := h.store.ListSubscriptions(ctx, userID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "DTEK", subs[0].Company)

	h.say(userID, "/sub DTEK 3.2")
	assert.Equal(t, uk(i18n.KeySubExists, i18n.Vars{"company": "DTEK", "queue": "3.2", "max": "5"}), h.send.last(t))
	assert.Equal(t, 1, h.rb.count(), "no rebuild without a mutation")
}

func TestSubscribeLimitAndTargets(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxSubscriptions: 1, Companies: []string{"DTEK"}})

	h.say(userID, "/sub ACME 3.2")
	assert.Equal(t, uk(i18n.KeyUnknownTarget, nil), h.send.last(t))

	h.say(userID, "/sub DTEK")
	assert.Equal(t, uk(i18n.KeySubUsage, nil), h.send.last(t))

	h.say(userID, "/sub DTEK 1.1")
	h.say(userID, "/sub DTEK 1.2")
	assert.Equal(t, uk(i18n.KeySubLimit, i18n.Vars{"company": "DTEK", "queue": "1.2", "max": "1"}), h.send.last(t))
	assert.Equal(t, 1, h.rb.count())
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.say(userID, "/unsub DTEK 3.2")
	assert.Equal(t, uk(i18n.KeyUnsubMissing, nil), h.send.last(t))
	assert.Equal(t, 0, h.rb.count())

	h.say(userID, "/sub DTEK 3.2")
	h.say(userID, "/unsub dtek 3.2")
	assert.Equal(t, uk(i18n.KeyUnsubOK, i18n.Vars{"company": "DTEK", "queue": "3.2"}), h.send.last(t))
	assert.Equal(t, 2, h.rb.count())
}

func TestNotifyToggle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.say(userID, "/notify off10 off")
	assert.Equal(t, uk(i18n.KeyNotifySet, nil), h.send.last(t))
	assert.Equal(t, 1, h.rb.count())

	p, err := h.store.Preferences(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, p.NotifyOff10)
	assert.True(t, p.NotifyOff)

	h.say(userID, "/notify sometimes on")
	assert.Equal(t, uk(i18n.KeyNotifyUsage, nil), h.send.last(t))
	assert.Equal(t, 1, h.rb.count())
}

func TestLanguageSwitch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.say(userID, "/lang RU")
	assert.Equal(t, i18n.Text("ru", i18n.KeyLangSet, nil), h.send.last(t))

	h.say(userID, "/my")
	assert.Equal(t, i18n.Text("ru", i18n.KeyMyEmpty, nil), h.send.last(t))

	h.say(userID, "/lang xx")
	assert.Equal(t, i18n.Text("ru", i18n.KeyLangUsage, nil), h.send.last(t))
}

func TestToday(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	require.NoError(t, h.store.ReplaceSchedules(context.Background(), "DTEK", "2026-01-29", []outage.Window{
		{Company: "DTEK", Queue: "3.2", Date: "2026-01-29", OffTime: "08:00", OnTime: "12:00"},
	}))

	h.say(userID, "/today DTEK 3.2")
	assert.Contains(t, h.send.last(t), "🔴 08:00 - 🟢 12:00")

	h.say(userID, "/today DTEK 1.1")
	assert.Equal(t, uk(i18n.KeyTodayNone, i18n.Vars{"company": "DTEK", "queue": "1.1", "date": "2026-01-29"}), h.send.last(t))
}

func TestAdminCommandsHiddenFromUsers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.say(userID, "/techon")
	assert.Equal(t, uk(i18n.KeyUnknownCommand, nil), h.send.last(t))
	on, err := h.store.TechMode(context.Background())
	require.NoError(t, err)
	assert.False(t, on)
}

func TestTechModeBlocksUsers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.say(adminID, "/techon")
	assert.Equal(t, "🚧 TECH MODE: ON", h.send.last(t))

	h.say(userID, "/sub DTEK 3.2")
	assert.Equal(t, uk(i18n.KeyTechWork, nil), h.send.last(t))
	assert.Equal(t, 0, h.rb.count())

	h.say(adminID, "/my")
	assert.Equal(t, uk(i18n.KeyMyEmpty, nil), h.send.last(t))

	h.say(adminID, "/techoff@svitlobot")
	h.say(userID, "/my")
	assert.Equal(t, uk(i18n.KeyMyEmpty, nil), h.send.last(t))
}

func TestUploadStoresRebuildsAndAnnounces(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.say(adminID, "/upload DTEK 29.01.2026\n3.2 14:00-18:00\n1.1 08:00-10:00, 20:00-22:00")
	assert.Contains(t, h.send.last(t), "DTEK 2026-01-29 uploaded: 3 windows, 4 jobs scheduled.")
	assert.Equal(t, 1, h.rb.count())

	ws, err := h.store.SchedulesFor(context.Background(), "DTEK", "1.1", "2026-01-29")
	require.NoError(t, err)
	assert.Len(t, ws, 2)

	assert.Equal(t, []string{"announce.update"}, h.tasks.names)
	assert.Equal(t, "DTEK", h.ann.company)
	assert.Equal(t, "2026-01-29", h.ann.date)
	assert.Equal(t, []string{"1.1", "3.2"}, h.ann.queues)
}

func TestUploadRejectsMalformed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.say(adminID, "/upload DTEK 29.01.2026\n3.2 14:00-12:00")
	assert.Contains(t, h.send.last(t), "line 2")
	assert.Equal(t, 0, h.rb.count())
	assert.Empty(t, h.tasks.names)
}

func TestUploadReportsRebuildFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.rb.err = errors.New("db locked")

	h.say(adminID, "/upload DTEK 29.01.2026\n3.2 14:00-18:00")
	assert.Contains(t, h.send.last(t), "rebuild failed: db locked")
	assert.Empty(t, h.tasks.names)
}

func TestRebuildAndJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.say(adminID, "/rebuild")
	assert.Contains(t, h.send.last(t), "rebuild gen-1")
	assert.Contains(t, h.send.last(t), "scheduled: 4")

	h.say(adminID, "/jobs")
	out := h.send.last(t)
	assert.Contains(t, out, "pending jobs: 1")
	assert.Contains(t, out, "29.01 14:00  100|DTEK|3.2|2026-01-29|14:00|notify_off")
}

func TestSetAdminsTakesEffect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.bot.SetAdmins([]int64{userID})

	h.say(userID, "/rebuild")
	assert.Contains(t, h.send.last(t), "rebuild gen-1")

	h.say(adminID, "/rebuild")
	assert.Equal(t, uk(i18n.KeyUnknownCommand, nil), h.send.last(t))
}

func TestNonCommandsIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.say(userID, "hello")
	h.send.mu.Lock()
	defer h.send.mu.Unlock()
	assert.Empty(t, h.send.sent)
}

func TestDispatchLoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 4)
	done := make(chan error, 1)
	go func() { done <- h.bot.DispatchLoop(ctx, updates) }()

	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: userID, FromID: userID, Text: "/start"}}
	require.Eventually(t, func() bool {
		h.send.mu.Lock()
		defer h.send.mu.Unlock()
		return len(h.send.sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}
