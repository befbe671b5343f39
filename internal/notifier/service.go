package notifier

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"outagewatch/internal/eventbus"
	"outagewatch/internal/observability/metrics"
	kit "outagewatch/internal/transport"
	logx "outagewatch/pkg/logx"
)

const (
	DefaultTextLimit  = 4000
	DefaultRatePerSec = 3
	historyCap        = 50
)

// Sink is what the tracking core needs from a notifier. Neither method
// reports failure to the caller.
type Sink interface {
	SendText(ctx context.Context, chatID string, text string)
	SendImage(ctx context.Context, chatID string, path string)
}

type Config struct {
	RatePerSec   int
	TextLimit    int // characters
	TextTimeout  time.Duration
	ImageTimeout time.Duration
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	ChatID string    `json:"chat_id"`
	Kind   string    `json:"kind"`
	Text   string    `json:"text,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// NotificationEvent is published on the bus for every delivery attempt.
type NotificationEvent struct {
	ChatID string    `json:"chat_id"`
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// Service implements Sink over a transport.Sender. It is safe for
// concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender  kit.Sender
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender:  sender,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		metrics: m,
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the rate and limits; in-flight sends keep the old limiter.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	if cfg.TextLimit <= 0 {
		cfg.TextLimit = DefaultTextLimit
	}
	if cfg.TextTimeout <= 0 {
		cfg.TextTimeout = 15 * time.Second
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = 30 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	// burst = rate so short spikes don't block too hard
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// SendText delivers text to chatID. Whitespace-only text is dropped and
// text longer than the limit is truncated.
func (s *Service) SendText(ctx context.Context, chatID string, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	cfg, lim := s.snapshot()
	text = Truncate(text, cfg.TextLimit)

	s.deliver(ctx, chatID, "text", text, lim, cfg.TextTimeout, func(c context.Context, to kit.ChatTarget) error {
		_, err := s.sender.SendText(c, to, text, &kit.SendOptions{DisablePreview: true})
		return err
	})
}

// SendImage uploads the file at path. A missing file is not an error.
func (s *Service) SendImage(ctx context.Context, chatID string, path string) {
	if strings.TrimSpace(path) == "" {
		s.log.Debug("no image to send", logx.String("chat", chatID))
		return
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Debug("image not found", logx.String("chat", chatID), logx.String("path", path))
			return
		}
		s.log.Warn("image not readable", logx.String("chat", chatID), logx.String("path", path), logx.Err(err))
		return
	}
	cfg, lim := s.snapshot()
	s.deliver(ctx, chatID, "image", "", lim, cfg.ImageTimeout, func(c context.Context, to kit.ChatTarget) error {
		_, err := s.sender.SendPhoto(c, to, path, "")
		return err
	})
}

func (s *Service) deliver(ctx context.Context, chatID, kind, text string, lim *rate.Limiter, timeout time.Duration, send func(context.Context, kit.ChatTarget) error) {
	if s.sender == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		s.fail(chatID, kind, text, err)
		return
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			s.log.Debug("send abandoned", logx.String("chat", chatID), logx.String("kind", kind), logx.Err(err))
			return
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	err = send(callCtx, kit.ChatTarget{ChatID: id})
	cancel()
	if err != nil {
		s.fail(chatID, kind, text, err)
		return
	}

	now := time.Now()
	s.appendHistory(HistoryItem{At: now, ChatID: chatID, Kind: kind, Text: text})
	s.publish("notifier.sent", NotificationEvent{ChatID: chatID, Kind: kind, At: now})
}

func (s *Service) fail(chatID, kind, text string, err error) {
	s.log.Warn("delivery failed", logx.String("chat", chatID), logx.String("kind", kind), logx.Err(err))
	s.metrics.NotificationFailed(kind)
	now := time.Now()
	s.appendHistory(HistoryItem{At: now, ChatID: chatID, Kind: kind, Text: text, Error: err.Error()})
	s.publish("notifier.failed", NotificationEvent{ChatID: chatID, Kind: kind, At: now, Error: err.Error()})
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(it HistoryItem) {
	it.Text = Truncate(it.Text, 120)
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.hmu.Unlock()
}

// Truncate cuts s to at most limit characters.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
