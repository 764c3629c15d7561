package notifier

import (
	"context"
	"sort"
	"time"

	"svitlobot/internal/i18n"
	logx "svitlobot/pkg/logx"
)

// AnnounceUpdate tells subscribers of every queue in queues that the schedule
// of company for date changed. A user subscribed to several of those queues
// gets one message per queue. Delivery failures are counted, never returned.
func (s *Service) AnnounceUpdate(ctx context.Context, company, date string, queues []string) AnnounceReport {
	var rep AnnounceReport
	cfg, _ := s.config()
	if !cfg.AnnounceUpdates || s.subs == nil {
		return rep
	}
	start := time.Now()

	uniq := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		uniq[q] = struct{}{}
	}
	ordered := make([]string, 0, len(uniq))
	for q := range uniq {
		ordered = append(ordered, q)
	}
	sort.Strings(ordered)

	for _, queue := range ordered {
		subs, err := s.subs.ListSubscribersWithPrefs(ctx, company, queue)
		if err != nil {
			s.log.Warn("announce: listing subscribers failed", logx.String("company", company), logx.String("queue", queue), logx.Err(err))
			continue
		}
		for _, sub := range subs {
			if ctx.Err() != nil {
				s.log.Warn("announce interrupted", logx.String("company", company), logx.Int("recipients", rep.Recipients), logx.Err(ctx.Err()))
				return rep
			}
			rep.Recipients++
			text := i18n.Text(sub.Prefs.Lang(), i18n.KeyUpdateNotify, i18n.Vars{"company": company, "queue": queue, "date": date})
			res, err := s.send(ctx, sub.UserID, text)
			switch res {
			case ResultDelivered:
				rep.Delivered++
			case ResultUndeliverable:
				rep.Undeliverable++
				s.log.Debug("announce: recipient unavailable", logx.Int64("user", sub.UserID), logx.Err(err))
			default:
				rep.Failed++
				s.log.Debug("announce: send failed", logx.Int64("user", sub.UserID), logx.Err(err))
			}
		}
	}

	fields := []logx.Field{
		logx.String("company", company),
		logx.String("date", date),
		logx.Int("queues", len(ordered)),
		logx.Int("recipients", rep.Recipients),
		logx.Int("failed", rep.Failed+rep.Undeliverable),
		logx.Duration("dur", time.Since(start)),
	}
	if rep.Failed > 0 {
		s.log.Warn("schedule update announced with failures", fields...)
	} else {
		s.log.Info("schedule update announced", fields...)
	}
	return rep
}
