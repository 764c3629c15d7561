// Package bot maps chat commands onto storage mutations and rebuilds.
//
// Every mutation that can change the job set (subscriptions, notification
// toggles, uploads) triggers a synchronous rebuild before the reply is sent.
package bot

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"svitlobot/internal/i18n"
	"svitlobot/internal/jobstore"
	"svitlobot/internal/notifier"
	rtsup "svitlobot/internal/runtime/supervisor"
	"svitlobot/internal/schedule"
	"svitlobot/internal/storage"
	"svitlobot/internal/task/engine"
	kit "svitlobot/internal/transport"
	logx "svitlobot/pkg/logx"
)

type Rebuilder interface {
	RebuildNow(ctx context.Context) (schedule.Report, error)
}

type JobLister interface {
	Pending() []jobstore.Entry
}

type Announcer interface {
	AnnounceUpdate(ctx context.Context, company, date string, queues []string) notifier.AnnounceReport
}

// TaskRunner runs background work; the task engine satisfies it.
type TaskRunner interface {
	Enqueue(t engine.Task) error
}

type Config struct {
	MaxSubscriptions int
	Companies        []string
	Queues           []string
	// CommandTimeout bounds a single command, rebuild included.
	CommandTimeout time.Duration
	// AnnounceTimeout bounds the "schedule updated" fan-out after an upload.
	AnnounceTimeout time.Duration
	Workers         int
	QueueSize       int
}

func (c Config) withDefaults() Config {
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = storage.DefaultMaxSubscriptions
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.AnnounceTimeout <= 0 {
		c.AnnounceTimeout = 10 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

type Deps struct {
	Sender    kit.Sender
	Store     storage.Store
	Rebuilder Rebuilder
	Jobs      JobLister
	Announcer Announcer
	Tasks     TaskRunner
	Location  *time.Location
	Log       logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Request is one incoming command.
type Request struct {
	Msg     *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	// Text is everything after the command word, newlines included.
	Text    string
	Lang    string
	IsAdmin bool
	ReqID   string
	Log     logx.Logger
}

type command struct {
	name   string
	admin  bool
	handle HandlerFunc
}

type Bot struct {
	d Deps

	mu     sync.RWMutex
	cfg    Config
	admins map[int64]struct{}

	cmds map[string]command
	jobs chan func()
}

func New(cfg Config, admins []int64, d Deps) *Bot {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	cfg = cfg.withDefaults()
	b := &Bot{d: d, cfg: cfg, jobs: make(chan func(), cfg.QueueSize)}
	b.SetAdmins(admins)
	b.register()
	return b
}

// SetAdmins replaces the admin list; safe during hot reload.
func (b *Bot) SetAdmins(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	b.mu.Lock()
	b.admins = m
	b.mu.Unlock()
}

// Apply swaps the command-level settings (limits, allowed targets).
func (b *Bot) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	b.mu.Lock()
	b.cfg.MaxSubscriptions = cfg.MaxSubscriptions
	b.cfg.Companies = append([]string(nil), cfg.Companies...)
	b.cfg.Queues = append([]string(nil), cfg.Queues...)
	b.cfg.CommandTimeout = cfg.CommandTimeout
	b.cfg.AnnounceTimeout = cfg.AnnounceTimeout
	b.mu.Unlock()
}

func (b *Bot) config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *Bot) isAdmin(id int64) bool {
	b.mu.RLock()
	_, ok := b.admins[id]
	b.mu.RUnlock()
	return ok
}

func (b *Bot) register() {
	b.cmds = map[string]command{}
	add := func(c command) { b.cmds[c.name] = c }

	add(command{name: "start", handle: b.cmdStart})
	add(command{name: "help", handle: b.cmdStart})
	add(command{name: "lang", handle: b.cmdLang})
	add(command{name: "sub", handle: b.cmdSub})
	add(command{name: "unsub", handle: b.cmdUnsub})
	add(command{name: "my", handle: b.cmdMy})
	add(command{name: "notify", handle: b.cmdNotify})
	add(command{name: "today", handle: b.cmdToday})

	add(command{name: "upload", admin: true, handle: b.cmdUpload})
	add(command{name: "techon", admin: true, handle: b.cmdTechOn})
	add(command{name: "techoff", admin: true, handle: b.cmdTechOff})
	add(command{name: "rebuild", admin: true, handle: b.cmdRebuild})
	add(command{name: "jobs", admin: true, handle: b.cmdJobs})
}

// DispatchLoop consumes updates until ctx is done, running commands on a
// small worker pool so one slow rebuild does not stall every chat.
func (b *Bot) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	cfg := b.config()
	sup := rtsup.New(ctx,
		rtsup.WithLogger(b.d.Log.With(logx.String("comp", "bot.dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-b.jobs:
					func() {
						defer func() {
							if r := recover(); r != nil {
								b.d.Log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, 200*time.Millisecond, 5*time.Second)
	}
	b.d.Log.Info("command dispatcher started", logx.Int("workers", cfg.Workers), logx.Int("queue_cap", cap(b.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		b.d.Log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			upd := up
			select {
			case b.jobs <- func() { b.Handle(ctx, upd) }:
			default:
				if upd.Message != nil {
					b.d.Log.Warn("command queue full; update dropped", logx.Int64("chat_id", upd.Message.ChatID))
				}
			}
		}
	}
}

// Handle routes one update synchronously.
func (b *Bot) Handle(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	head, rest, _ := strings.Cut(text, "\n")
	word, args, _ := strings.Cut(head, " ")
	word = strings.ToLower(strings.TrimPrefix(word, "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	raw := strings.TrimSpace(args)
	if rest != "" {
		raw = strings.TrimSpace(raw + "\n" + rest)
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Msg:     msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID},
		FromID:  msg.FromID,
		Command: word,
		Args:    strings.Fields(args),
		Text:    raw,
		IsAdmin: b.isAdmin(msg.FromID),
		ReqID:   rid,
		Log: b.d.Log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", word),
		),
	}
	req.Lang = b.userLang(ctx, req)

	cmd, ok := b.cmds[word]
	if !ok {
		b.reply(ctx, req, b.text(req, i18n.KeyUnknownCommand, nil))
		return
	}
	if err := b.pipeline(cmd)(ctx, req); err != nil {
		b.reply(ctx, req, b.text(req, i18n.KeyInternalError, nil))
	}
}

func (b *Bot) userLang(ctx context.Context, req *Request) string {
	p, err := b.d.Store.Preferences(ctx, req.FromID)
	if err != nil {
		req.Log.Debug("preferences lookup failed", logx.Err(err))
		return ""
	}
	return p.Lang()
}

func (b *Bot) techMode(ctx context.Context, req *Request) bool {
	on, err := b.d.Store.TechMode(ctx)
	if err != nil {
		req.Log.Warn("tech mode lookup failed", logx.Err(err))
		return false
	}
	return on
}

func (b *Bot) reply(ctx context.Context, req *Request, text string) {
	if b.d.Sender == nil || text == "" {
		return
	}
	if _, err := b.d.Sender.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		req.Log.Warn("reply failed", logx.Err(err))
	}
}

// rebuild runs a synchronous rebuild. Users never see its outcome; the
// error is logged and returned for admin replies.
func (b *Bot) rebuild(ctx context.Context, req *Request) (schedule.Report, error) {
	if b.d.Rebuilder == nil {
		return schedule.Report{}, nil
	}
	rep, err := b.d.Rebuilder.RebuildNow(ctx)
	if err != nil {
		req.Log.Error("rebuild after mutation failed", logx.Err(err))
	}
	return rep, err
}
