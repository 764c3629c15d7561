package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"svitlobot/internal/schedule"
	"svitlobot/internal/task/engine"
	logx "svitlobot/pkg/logx"
)

func (b *Bot) cmdUpload(ctx context.Context, req *Request) error {
	cfg := b.config()
	up, err := ParseUpload(req.Text, UploadRules{Companies: cfg.Companies, Queues: cfg.Queues})
	if err != nil {
		b.reply(ctx, req, "❌ "+err.Error()+"\nFormat:\nDTEK 29.01.2026\n3.2 08:00-12:00, 16:00-20:00")
		return nil
	}
	if err := b.d.Store.ReplaceSchedules(ctx, up.Company, up.Date, up.Windows); err != nil {
		return fmt.Errorf("store upload: %w", err)
	}
	req.Log.Info("schedule uploaded",
		logx.String("company", up.Company),
		logx.String("date", up.Date),
		logx.Int("windows", len(up.Windows)),
	)

	rep, err := b.rebuild(ctx, req)
	if err != nil {
		b.reply(ctx, req, fmt.Sprintf("⚠️ %s %s saved (%d windows), but rebuild failed: %v", up.Company, up.Date, len(up.Windows), err))
		return nil
	}
	announced := b.announce(req, up)
	msg := fmt.Sprintf("✅ %s %s uploaded: %d windows, %d jobs scheduled.", up.Company, up.Date, len(up.Windows), rep.Scheduled)
	if announced {
		msg += " Subscribers are being notified."
	}
	b.reply(ctx, req, msg)
	return nil
}

// AnnounceGroup is the task engine group for update fan-outs; its limit keeps
// workers free for timed notifications.
const AnnounceGroup = "announce"

// announce queues the "schedule updated" fan-out on the task engine so the
// admin reply does not wait for every subscriber to be messaged.
func (b *Bot) announce(req *Request, up Upload) bool {
	if b.d.Announcer == nil || b.d.Tasks == nil {
		return false
	}
	queues := up.Queues()
	err := b.d.Tasks.Enqueue(engine.Task{
		Name:    "announce.update",
		Group:   AnnounceGroup,
		Timeout: b.config().AnnounceTimeout,
		Run: func(ctx context.Context) error {
			b.d.Announcer.AnnounceUpdate(ctx, up.Company, up.Date, queues)
			return nil
		},
	})
	if err != nil {
		req.Log.Warn("announce not queued", logx.Err(err))
		return false
	}
	return true
}

func (b *Bot) cmdTechOn(ctx context.Context, req *Request) error {
	if err := b.d.Store.SetTechMode(ctx, true); err != nil {
		return err
	}
	req.Log.Info("tech mode enabled")
	b.reply(ctx, req, "🚧 TECH MODE: ON")
	return nil
}

func (b *Bot) cmdTechOff(ctx context.Context, req *Request) error {
	if err := b.d.Store.SetTechMode(ctx, false); err != nil {
		return err
	}
	req.Log.Info("tech mode disabled")
	b.reply(ctx, req, "✅ TECH MODE: OFF")
	return nil
}

func (b *Bot) cmdRebuild(ctx context.Context, req *Request) error {
	rep, err := b.rebuild(ctx, req)
	if err != nil {
		b.reply(ctx, req, "❌ rebuild failed: "+err.Error())
		return nil
	}
	b.reply(ctx, req, formatReport(rep))
	return nil
}

func formatReport(rep schedule.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "✅ rebuild %s\nwindows: %d\nscheduled: %d\ncleared: %d\nrejected: %d\ntook: %s",
		rep.Generation, rep.Windows, rep.Scheduled, rep.Cleared, rep.Rejected, rep.Took.Round(time.Millisecond))
	if n := len(rep.Skipped); n > 0 {
		fmt.Fprintf(&sb, "\nskipped rows: %d", n)
		for i, s := range rep.Skipped {
			if i == 5 {
				fmt.Fprintf(&sb, "\n…and %d more", n-i)
				break
			}
			fmt.Fprintf(&sb, "\n- %s", s.Error())
		}
	}
	return sb.String()
}

const jobsListLimit = 15

func (b *Bot) cmdJobs(ctx context.Context, req *Request) error {
	if b.d.Jobs == nil {
		return errors.New("job store not wired")
	}
	pending := b.d.Jobs.Pending()
	if len(pending) == 0 {
		b.reply(ctx, req, "no pending jobs")
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "pending jobs: %d", len(pending))
	for i, e := range pending {
		if i == jobsListLimit {
			fmt.Fprintf(&sb, "\n…and %d more", len(pending)-i)
			break
		}
		fmt.Fprintf(&sb, "\n%s  %s", e.At.In(b.d.Location).Format("02.01 15:04"), e.Key)
	}
	b.reply(ctx, req, sb.String())
	return nil
}
