package router

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
)

const healthHistory = 5

func (s *Services) cmdHealth(ctx context.Context, req *Request) error {
	req.Reply(ctx, s.healthText(time.Now()))
	return nil
}

func (s *Services) healthText(now time.Time) string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var b strings.Builder
	b.Grow(1024)

	status := "Running"
	sups := s.Supervisors.Snapshot()
	names := make([]string, 0, len(sups))
	for name, sup := range sups {
		names = append(names, name)
		if sup.Snapshot().FirstError != "" {
			status = "Degraded"
		}
	}
	sort.Strings(names)

	b.WriteString("🏥 Bot Health Status\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "Status: %s\n", status)
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Uptime: %s\n", now.Sub(s.StartedAt).Truncate(time.Second))
	}

	active := s.Tracking.Active()
	fmt.Fprintf(&b, "\n🔄 Tracking: %d active\n", len(active))
	for i, k := range active {
		if i == 10 {
			fmt.Fprintf(&b, "  • … %d more\n", len(active)-i)
			break
		}
		fmt.Fprintf(&b, "  • chat %s, address %d\n", k.Chat, k.Index+1)
	}

	if s.Pool != nil {
		st := s.Pool.Stats()
		fmt.Fprintf(&b, "\n🌐 Fetch pool: %d/%d busy, %d waiting\n", st.InFlight, st.Size, st.Waiting)
	}

	if len(names) > 0 {
		b.WriteString("\n🧵 Supervisors\n")
		for _, name := range names {
			c := sups[name].Counters()
			line := fmt.Sprintf("  • %s: %d active, %d started", name, c.Active, c.Started)
			if fe := sups[name].Snapshot().FirstError; fe != "" {
				line += ", error: " + fe
			}
			b.WriteString(line + "\n")
		}
	}

	if s.Notifier != nil {
		hist := s.Notifier.Snapshot()
		if n := len(hist); n > 0 {
			b.WriteString("\n📨 Recent notifications\n")
			for _, it := range hist[max(0, n-healthHistory):] {
				line := fmt.Sprintf("  • %s %s → %s", it.At.Format("15:04:05"), it.Kind, it.ChatID)
				if it.Error != "" {
					line += " ✗ " + it.Error
				}
				b.WriteString(line + "\n")
			}
		}
	}

	b.WriteString("\n🤖 Runtime\n")
	fmt.Fprintf(&b, "  • Go Version: %s\n", runtime.Version())
	fmt.Fprintf(&b, "  • Goroutines: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(&b, "  • Heap Inuse: %.1f MiB\n", float64(m.HeapInuse)/(1<<20))
	return strings.TrimRight(b.String(), "\n")
}
