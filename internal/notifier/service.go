package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"svitlobot/internal/eventbus"
	"svitlobot/internal/i18n"
	"svitlobot/internal/outage"
	kit "svitlobot/internal/transport"
	logx "svitlobot/pkg/logx"
)

// SubscriberSource lists who should hear about a (company, queue).
type SubscriberSource interface {
	ListSubscribersWithPrefs(ctx context.Context, company, queue string) ([]outage.Subscriber, error)
}

// Service is safe for concurrent use; deliveries for different users may overlap.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender  kit.Sender
	breaker *gobreaker.CircuitBreaker[kit.MessageRef]
	subs    SubscriberSource
	log     logx.Logger
	bus     eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem

	delivered     atomic.Uint64
	undeliverable atomic.Uint64
	failed        atomic.Uint64
	skipped       atomic.Uint64
}

func New(cfg Config, sender kit.Sender, subs SubscriberSource, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, subs: subs, log: log, bus: bus}
	s.breaker = newBreaker(log)
	s.Apply(cfg)
	return s
}

// BreakerTrips is the number of consecutive transport failures that opens
// the breaker.
const BreakerTrips = 5

// newBreaker guards the transport. A recipient who blocked the bot is a
// delivered answer from Telegram, not a transport failure.
func newBreaker(log logx.Logger) *gobreaker.CircuitBreaker[kit.MessageRef] {
	return gobreaker.NewCircuitBreaker[kit.MessageRef](gobreaker.Settings{
		Name:        "telegram.send",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= BreakerTrips
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, kit.ErrRecipientUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("send breaker state changed", logx.String("breaker", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
}

// Apply swaps rate and timeout settings at runtime.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) config() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Dispatch delivers a compiled job. The outcome is logged, never returned.
func (s *Service) Dispatch(ctx context.Context, j outage.Job) {
	s.Notify(ctx, Notice{UserID: j.UserID, Company: j.Company, Queue: j.Queue, Kind: j.Kind, Lang: j.Lang, Lead: j.Lead})
}

// Notify renders n in the user's language and sends it once.
func (s *Service) Notify(ctx context.Context, n Notice) Result {
	if n.UserID == 0 || !n.Kind.Valid() {
		s.skipped.Add(1)
		s.log.Debug("notification skipped", logx.Int64("user", n.UserID), logx.String("kind", string(n.Kind)))
		return ResultSkipped
	}
	text := i18n.LocalizeLead(n.Lang, n.Kind, n.Company, n.Queue, n.Lead)
	res, err := s.send(ctx, n.UserID, text)
	s.record(n, res, err)
	return res
}

func (s *Service) send(ctx context.Context, userID int64, text string) (Result, error) {
	if s.sender == nil {
		return ResultFailed, errors.New("no sender configured")
	}
	cfg, lim := s.config()
	if err := lim.Wait(ctx); err != nil {
		return ResultFailed, fmt.Errorf("rate limit: %w", err)
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	_, err := s.breaker.Execute(func() (kit.MessageRef, error) {
		return s.sender.SendText(sctx, kit.ChatTarget{ChatID: userID}, text, &kit.SendOptions{DisablePreview: true})
	})
	switch {
	case err == nil:
		return ResultDelivered, nil
	case errors.Is(err, kit.ErrRecipientUnavailable):
		return ResultUndeliverable, err
	default:
		return ResultFailed, err
	}
}

func (s *Service) record(n Notice, res Result, err error) {
	now := time.Now()
	ev := NotificationEvent{UserID: n.UserID, Kind: string(n.Kind), Company: n.Company, Queue: n.Queue, At: now, Result: res.String()}
	typ := eventbus.TypeNotifySent
	switch res {
	case ResultDelivered:
		s.delivered.Add(1)
		s.log.Debug("notification sent", logx.Int64("user", n.UserID), logx.String("kind", string(n.Kind)), logx.String("company", n.Company), logx.String("queue", n.Queue))
	case ResultUndeliverable:
		s.undeliverable.Add(1)
		typ = eventbus.TypeNotifyUndeliver
		ev.Error = err.Error()
		s.log.Info("recipient unavailable", logx.Int64("user", n.UserID), logx.String("kind", string(n.Kind)), logx.Err(err))
	default:
		s.failed.Add(1)
		typ = eventbus.TypeNotifyFailed
		if err != nil {
			ev.Error = err.Error()
		}
		s.log.Warn("notification failed", logx.Int64("user", n.UserID), logx.String("kind", string(n.Kind)), logx.Err(err))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
	}

	cfg, _ := s.config()
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: now, UserID: n.UserID, Kind: string(n.Kind), Result: res})
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) Stats() Stats {
	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return Stats{
		Delivered:     s.delivered.Load(),
		Undeliverable: s.undeliverable.Load(),
		Failed:        s.failed.Load(),
		Skipped:       s.skipped.Load(),
		History:       h,
	}
}
