package router

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"outagewatch/internal/addressbook"
	"outagewatch/internal/fetcher"
	"outagewatch/internal/notifier"
	"outagewatch/internal/schedule"
	"outagewatch/internal/tracking"
	logx "outagewatch/pkg/logx"
)

const (
	msgNoAddresses    = "ℹ️ Немає збережених адрес"
	msgAddFirst       = "❗ Спочатку додайте адресу командою /addaddress"
	msgBadIndex       = "❗ Невірний номер адреси"
	msgStatusNotFound = "ℹ️ Статус електропостачання не знайдено"
	msgNotTracked     = "❗ Для цієї адреси відстеження не було активовано"
	msgInternal       = "⚠️ Сталася помилка, спробуйте пізніше"
	msgStatusThrottle = "⏳ Забагато перевірок, зачекайте хвилину"
)

type AddressBook interface {
	Add(ctx context.Context, chat string, a addressbook.Address) (addressbook.Address, error)
	List(chat string) []addressbook.Address
	Delete(ctx context.Context, chat string, index int) (addressbook.Address, error)
}

type Tracker interface {
	Start(ctx context.Context, chat string, index int) (bool, error)
	Stop(ctx context.Context, chat string, index int) error
	Reindex(ctx context.Context, chat string, removed int) error
	Tracked(chat string) []int
	Active() []tracking.Key
}

type Notifier interface {
	notifier.Sink
	Snapshot() []notifier.HistoryItem
}

type PoolStats interface {
	Stats() tracking.PoolStats
}

// Services are the collaborators the outage commands run against.
type Services struct {
	Addresses AddressBook
	Tracking  Tracker
	// Fetcher serves /status; it should be the shared bounded pool.
	Fetcher  fetcher.Fetcher
	Pool     PoolStats
	Notifier Notifier

	Supervisors *SupervisorRegistry
	StartedAt   time.Time
}

// OutageCommands returns the bot's command set.
func OutageCommands(s *Services) []Command {
	return []Command{
		{
			Route:       "start",
			Description: "привітання та список команд",
			Handle:      s.cmdStart,
		},
		{
			Route:       "addaddress",
			Aliases:     []string{"add"},
			Description: "додати адресу",
			Usage:       "/addaddress <місто> <вулиця> <будинок>",
			Timeout:     15 * time.Second,
			Handle:      s.cmdAddAddress,
		},
		{
			Route:       "listaddresses",
			Aliases:     []string{"list"},
			Description: "список збережених адрес",
			Usage:       "/listaddresses",
			Timeout:     10 * time.Second,
			Handle:      s.cmdListAddresses,
		},
		{
			Route:       "deleteaddress",
			Aliases:     []string{"del"},
			Description: "видалити адресу за номером",
			Usage:       "/deleteaddress <номер>",
			Timeout:     30 * time.Second,
			Handle:      s.cmdDeleteAddress,
		},
		{
			Route:       "status",
			Description: "перевірити графік зараз",
			Usage:       "/status <номер> або /status all",
			Timeout:     10 * time.Minute,
			Middleware:  []Middleware{MWChatThrottle(time.Minute, 3, msgStatusThrottle)},
			Handle:      s.cmdStatus,
		},
		{
			Route:       "track",
			Description: "стежити за змінами графіка",
			Usage:       "/track <номер адреси>",
			Timeout:     15 * time.Second,
			Handle:      s.cmdTrack,
		},
		{
			Route:       "stoptrack",
			Description: "припинити відстеження",
			Usage:       "/stoptrack <номер>",
			Timeout:     15 * time.Second,
			Handle:      s.cmdStopTrack,
		},
		{
			Route:       "health",
			Description: "стан бота",
			Access:      AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      s.cmdHealth,
		},
	}
}

func (s *Services) cmdStart(ctx context.Context, req *Request) error {
	req.Reply(ctx, strings.Join([]string{
		"👋 Вітаю! Я стежу за графіками відключень електроенергії.",
		"Додайте адресу через /addaddress, перевірте її через /status і ввімкніть відстеження через /track.",
		"Повний список команд: /help",
	}, "\n"))
	return nil
}

func (s *Services) cmdAddAddress(ctx context.Context, req *Request) error {
	city, street, house, ok := addressArgs(req.Args)
	if !ok {
		req.Reply(ctx, "❗ Формат: /addaddress <місто> <вулиця> <будинок>")
		return nil
	}
	a, err := s.Addresses.Add(ctx, req.ChatKey(), addressbook.Address{City: city, Street: street, House: house})
	switch {
	case errors.Is(err, addressbook.ErrEmptyField):
		req.Reply(ctx, "❗ Формат: /addaddress <місто> <вулиця> <будинок>")
		return nil
	case err != nil:
		req.Reply(ctx, msgInternal)
		return fmt.Errorf("add address: %w", err)
	}
	req.Reply(ctx, fmt.Sprintf("✅ Додано адресу: %s, %s, %s", a.City, a.Street, a.House))
	return nil
}

func (s *Services) cmdListAddresses(ctx context.Context, req *Request) error {
	chat := req.ChatKey()
	list := s.Addresses.List(chat)
	if len(list) == 0 {
		req.Reply(ctx, msgNoAddresses)
		return nil
	}
	req.Reply(ctx, formatAddressList(list, s.Tracking.Tracked(chat)))
	return nil
}

func formatAddressList(list []addressbook.Address, tracked []int) string {
	var b strings.Builder
	b.WriteString("📋 Збережені адреси:")
	for i, a := range list {
		fmt.Fprintf(&b, "\n%d. %s, %s, %s", i+1, a.City, a.Street, a.House)
		if slices.Contains(tracked, i) {
			b.WriteString(" 🔄")
		}
	}
	if len(tracked) > 0 {
		b.WriteString("\n\n🔄 - відстежується")
	}
	return b.String()
}

func (s *Services) cmdDeleteAddress(ctx context.Context, req *Request) error {
	chat := req.ChatKey()
	if len(s.Addresses.List(chat)) == 0 {
		req.Reply(ctx, "ℹ️ Немає адрес для видалення")
		return nil
	}
	if len(req.Args) == 0 {
		req.Reply(ctx, "❗ Формат: /deleteaddress <номер>")
		return nil
	}
	idx, err := parseIndex(req.Args[0])
	if err != nil {
		req.Reply(ctx, "❗ Формат: /deleteaddress <номер>")
		return nil
	}
	removed, err := s.Addresses.Delete(ctx, chat, idx)
	switch {
	case errors.Is(err, addressbook.ErrInvalidIndex):
		req.Reply(ctx, msgBadIndex)
		return nil
	case err != nil:
		req.Reply(ctx, msgInternal)
		return fmt.Errorf("delete address: %w", err)
	}
	if err := s.Tracking.Reindex(ctx, chat, idx); err != nil {
		req.Logger.Warn("tracking reindex failed", logx.Int("removed", idx), logx.Err(err))
	}
	req.Reply(ctx, fmt.Sprintf("🗑️ Видалено: %s, %s, %s", removed.City, removed.Street, removed.House))
	return nil
}

func (s *Services) cmdStatus(ctx context.Context, req *Request) error {
	chat := req.ChatKey()
	list := s.Addresses.List(chat)
	if len(list) == 0 {
		req.Reply(ctx, msgAddFirst)
		return nil
	}
	if len(req.Args) == 0 {
		req.Reply(ctx, "❗ Формат: /status <номер> або /status all")
		return nil
	}

	if strings.EqualFold(req.Args[0], "all") {
		req.Reply(ctx, fmt.Sprintf("⏳ Перевіряю %d адрес...", len(list)))
		for i, a := range list {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.checkStatus(ctx, req, i, a)
		}
		return nil
	}

	idx, err := parseIndex(req.Args[0])
	if err != nil {
		req.Reply(ctx, "❗ Формат: /status <номер> або /status all")
		return nil
	}
	if idx >= len(list) {
		req.Reply(ctx, msgBadIndex)
		return nil
	}
	req.Reply(ctx, "⏳ Перевіряю...")
	s.checkStatus(ctx, req, idx, list[idx])
	return nil
}

// checkStatus fetches the page once and sends the status text followed by
// the screenshot. It never touches tracking state.
func (s *Services) checkStatus(ctx context.Context, req *Request, index int, a addressbook.Address) {
	page, err := s.Fetcher.Fetch(ctx, fetcher.Request{
		AddressID: a.ID,
		City:      a.City,
		Street:    a.Street,
		House:     a.House,
	})
	if err != nil {
		req.Logger.Warn("status check failed",
			logx.Int("index", index),
			logx.String("step", fetcher.StepOf(err)),
			logx.Err(err),
		)
		req.Reply(ctx, fmt.Sprintf("⚠️ Не вдалося перевірити адресу %d (%s), спробуйте пізніше", index+1, a))
		return
	}
	text := schedule.ExtractStatusText(page.HTML)
	if text == "" {
		text = msgStatusNotFound
	}
	chat := req.ChatKey()
	s.Notifier.SendText(ctx, chat, fmt.Sprintf("📍 %d. %s\n\n%s", index+1, a, text))
	s.Notifier.SendImage(ctx, chat, page.ScreenshotPath)
}

func (s *Services) cmdTrack(ctx context.Context, req *Request) error {
	chat := req.ChatKey()
	if len(s.Addresses.List(chat)) == 0 {
		req.Reply(ctx, msgAddFirst)
		return nil
	}
	if len(req.Args) == 0 {
		req.Reply(ctx, "❗ Формат: /track <номер адреси>")
		return nil
	}
	idx, err := parseIndex(req.Args[0])
	if err != nil {
		req.Reply(ctx, "❗ Формат: /track <номер адреси>")
		return nil
	}
	started, err := s.Tracking.Start(ctx, chat, idx)
	switch {
	case errors.Is(err, tracking.ErrInvalidIndex):
		req.Reply(ctx, msgBadIndex)
	case err != nil:
		req.Reply(ctx, msgInternal)
		return fmt.Errorf("start tracking: %w", err)
	case !started:
		req.Reply(ctx, fmt.Sprintf("ℹ️ Відстеження для адреси %d вже активне", idx+1))
	default:
		req.Reply(ctx, fmt.Sprintf("🔄 Відстеження змін для адреси %d активовано", idx+1))
	}
	return nil
}

func (s *Services) cmdStopTrack(ctx context.Context, req *Request) error {
	chat := req.ChatKey()
	list := s.Addresses.List(chat)
	if len(list) == 0 {
		req.Reply(ctx, msgNoAddresses)
		return nil
	}
	if len(req.Args) == 0 {
		req.Reply(ctx, "❗ Формат: /stoptrack <номер>")
		return nil
	}
	idx, err := parseIndex(req.Args[0])
	if err != nil {
		req.Reply(ctx, "❗ Формат: /stoptrack <номер>")
		return nil
	}
	err = s.Tracking.Stop(ctx, chat, idx)
	switch {
	case errors.Is(err, tracking.ErrNotTracked):
		req.Reply(ctx, msgNotTracked)
		return nil
	case err != nil:
		req.Reply(ctx, msgInternal)
		return fmt.Errorf("stop tracking: %w", err)
	}
	if idx < len(list) {
		a := list[idx]
		req.Reply(ctx, fmt.Sprintf("🛑 Відстеження для адреси %d (%s, %s %s) зупинено", idx+1, a.City, a.Street, a.House))
	} else {
		req.Reply(ctx, fmt.Sprintf("🛑 Відстеження для адреси %d зупинено", idx+1))
	}
	return nil
}
