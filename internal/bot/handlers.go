package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"svitlobot/internal/i18n"
	"svitlobot/internal/outage"
	"svitlobot/internal/storage"
)

func (b *Bot) text(req *Request, key string, vars i18n.Vars) string {
	return i18n.Text(req.Lang, key, vars)
}

func (b *Bot) cmdStart(ctx context.Context, req *Request) error {
	b.reply(ctx, req, b.text(req, i18n.KeyStart, nil))
	return nil
}

func (b *Bot) cmdLang(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 || !i18n.Supported(strings.ToLower(req.Args[0])) {
		b.reply(ctx, req, b.text(req, i18n.KeyLangUsage, nil))
		return nil
	}
	lang := strings.ToLower(req.Args[0])
	if err := b.d.Store.SetLanguage(ctx, req.FromID, lang); err != nil {
		return err
	}
	req.Lang = lang
	b.reply(ctx, req, b.text(req, i18n.KeyLangSet, nil))
	return nil
}

// target validates "<company> <queue>" arguments against the configured lists.
func (b *Bot) target(req *Request) (company, queue string, ok bool) {
	if len(req.Args) != 2 {
		return "", "", false
	}
	cfg := b.config()
	company = strings.ToUpper(req.Args[0])
	queue = req.Args[1]
	if !queueRe.MatchString(queue) || !allowed(company, cfg.Companies) || !allowed(queue, cfg.Queues) {
		return company, queue, false
	}
	return company, queue, true
}

func (b *Bot) cmdSub(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		b.reply(ctx, req, b.text(req, i18n.KeySubUsage, nil))
		return nil
	}
	company, queue, ok := b.target(req)
	if !ok {
		b.reply(ctx, req, b.text(req, i18n.KeyUnknownTarget, nil))
		return nil
	}
	limit := b.config().MaxSubscriptions
	vars := i18n.Vars{"company": company, "queue": queue, "max": strconv.Itoa(limit)}

	err := b.d.Store.Subscribe(ctx, req.FromID, company, queue, limit)
	switch {
	case errors.Is(err, storage.ErrAlreadySubscribed):
		b.reply(ctx, req, b.text(req, i18n.KeySubExists, vars))
		return nil
	case errors.Is(err, storage.ErrSubscriptionLimit):
		b.reply(ctx, req, b.text(req, i18n.KeySubLimit, vars))
		return nil
	case err != nil:
		return err
	}
	_, _ = b.rebuild(ctx, req)
	b.reply(ctx, req, b.text(req, i18n.KeySubOK, vars))
	return nil
}

func (b *Bot) cmdUnsub(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		b.reply(ctx, req, b.text(req, i18n.KeySubUsage, nil))
		return nil
	}
	company, queue := strings.ToUpper(req.Args[0]), req.Args[1]
	removed, err := b.d.Store.Unsubscribe(ctx, req.FromID, company, queue)
	if err != nil {
		return err
	}
	if !removed {
		b.reply(ctx, req, b.text(req, i18n.KeyUnsubMissing, nil))
		return nil
	}
	_, _ = b.rebuild(ctx, req)
	b.reply(ctx, req, b.text(req, i18n.KeyUnsubOK, i18n.Vars{"company": company, "queue": queue}))
	return nil
}

func (b *Bot) cmdMy(ctx context.Context, req *Request) error {
	subs, err := b.d.Store.ListSubscriptions(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		b.reply(ctx, req, b.text(req, i18n.KeyMyEmpty, nil))
		return nil
	}
	var sb strings.Builder
	sb.WriteString(b.text(req, i18n.KeyMyHeader, nil))
	for _, s := range subs {
		fmt.Fprintf(&sb, "\n• %s %s", s.Company, s.Queue)
	}
	prefs, err := b.d.Store.Preferences(ctx, req.FromID)
	if err == nil {
		fmt.Fprintf(&sb, "\n\noff %s · on %s · off10 %s · on10 %s",
			onOff(prefs.NotifyOff), onOff(prefs.NotifyOn), onOff(prefs.NotifyOff10), onOff(prefs.NotifyOn10))
	}
	b.reply(ctx, req, sb.String())
	return nil
}

var toggleKinds = map[string]outage.Kind{
	"off":   outage.NotifyOff,
	"on":    outage.NotifyOn,
	"off10": outage.ReminderOff,
	"on10":  outage.ReminderOn,
}

func (b *Bot) cmdNotify(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		b.reply(ctx, req, b.text(req, i18n.KeyNotifyUsage, nil))
		return nil
	}
	kind, ok := toggleKinds[strings.ToLower(req.Args[0])]
	var enabled bool
	switch strings.ToLower(req.Args[1]) {
	case "on":
		enabled = true
	case "off":
	default:
		ok = false
	}
	if !ok {
		b.reply(ctx, req, b.text(req, i18n.KeyNotifyUsage, nil))
		return nil
	}
	if err := b.d.Store.SetToggle(ctx, req.FromID, kind, enabled); err != nil {
		return err
	}
	_, _ = b.rebuild(ctx, req)
	b.reply(ctx, req, b.text(req, i18n.KeyNotifySet, nil))
	return nil
}

func (b *Bot) cmdToday(ctx context.Context, req *Request) error {
	company, queue, ok := b.target(req)
	if !ok {
		b.reply(ctx, req, b.text(req, i18n.KeySubUsage, nil))
		return nil
	}
	date := outage.DateOf(b.d.Now(), b.d.Location)
	vars := i18n.Vars{"company": company, "queue": queue, "date": date}
	windows, err := b.d.Store.SchedulesFor(ctx, company, queue, date)
	if err != nil {
		return err
	}
	if len(windows) == 0 {
		b.reply(ctx, req, b.text(req, i18n.KeyTodayNone, vars))
		return nil
	}
	var sb strings.Builder
	sb.WriteString(b.text(req, i18n.KeyTodayHeader, vars))
	for _, w := range windows {
		fmt.Fprintf(&sb, "\n🔴 %s - 🟢 %s", w.OffTime, w.OnTime)
	}
	b.reply(ctx, req, sb.String())
	return nil
}

func onOff(v bool) string {
	if v {
		return "✅"
	}
	return "❌"
}
