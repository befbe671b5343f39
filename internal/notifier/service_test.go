package notifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	kit "outagewatch/internal/transport"
	logx "outagewatch/pkg/logx"
)

type fakeSender struct {
	mu     sync.Mutex
	texts  []string
	photos []string
	chats  []int64
	err    error
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	f.texts = append(f.texts, text)
	f.chats = append(f.chats, to.ChatID)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

func (f *fakeSender) SendPhoto(_ context.Context, to kit.ChatTarget, path, _ string) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	f.photos = append(f.photos, path)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func newTestService(s kit.Sender) *Service {
	return New(Config{RatePerSec: 1000}, s, logx.Nop(), nil, nil)
}

func TestSendTextRules(t *testing.T) {
	f := &fakeSender{}
	svc := newTestService(f)
	ctx := context.Background()

	svc.SendText(ctx, "42", "   \n\t")
	if len(f.texts) != 0 {
		t.Fatalf("whitespace text was sent: %q", f.texts)
	}

	long := strings.Repeat("й", 4500)
	svc.SendText(ctx, "42", long)
	if len(f.texts) != 1 {
		t.Fatalf("expected one send, got %d", len(f.texts))
	}
	if n := utf8.RuneCountInString(f.texts[0]); n != DefaultTextLimit {
		t.Fatalf("sent %d characters, want %d", n, DefaultTextLimit)
	}
	if f.chats[0] != 42 {
		t.Fatalf("chat = %d", f.chats[0])
	}
}

func TestSendImageMissingFileIsNoop(t *testing.T) {
	f := &fakeSender{}
	svc := newTestService(f)

	svc.SendImage(context.Background(), "1", filepath.Join(t.TempDir(), "absent.png"))
	svc.SendImage(context.Background(), "1", "")
	if len(f.photos) != 0 {
		t.Fatalf("photos sent for missing files: %v", f.photos)
	}

	path := filepath.Join(t.TempDir(), "shot.png")
	if err := os.WriteFile(path, []byte("png"), 0o600); err != nil {
		t.Fatal(err)
	}
	svc.SendImage(context.Background(), "1", path)
	if len(f.photos) != 1 || f.photos[0] != path {
		t.Fatalf("photos = %v", f.photos)
	}
}

func TestDeliveryErrorsAreSwallowed(t *testing.T) {
	f := &fakeSender{err: errors.New("blocked by user")}
	svc := newTestService(f)

	svc.SendText(context.Background(), "7", "hello")
	svc.SendText(context.Background(), "not-a-chat", "hello")

	hist := svc.Snapshot()
	if len(hist) != 2 {
		t.Fatalf("history = %+v", hist)
	}
	for _, h := range hist {
		if h.Error == "" {
			t.Fatalf("failure not recorded: %+v", h)
		}
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in    string
		limit int
		want  string
	}{
		{"abc", 5, "abc"},
		{"abcdef", 3, "abc"},
		{"привіт", 2, "пр"},
		{"abc", 0, "abc"},
	}
	for _, tc := range cases {
		if got := Truncate(tc.in, tc.limit); got != tc.want {
			t.Fatalf("Truncate(%q, %d) = %q, want %q", tc.in, tc.limit, got, tc.want)
		}
	}
}
