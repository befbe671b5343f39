package router

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"outagewatch/internal/addressbook"
	"outagewatch/internal/fetcher"
	"outagewatch/internal/notifier"
	"outagewatch/internal/tracking"
	kit "outagewatch/internal/transport"
	logx "outagewatch/pkg/logx"
)

func TestTokenizeCommandLine(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "/status 1", want: []string{"/status", "1"}},
		{in: `/addaddress Київ "вул. Хрещатик" 22`, want: []string{"/addaddress", "Київ", "вул. Хрещатик", "22"}},
		{in: `/addaddress 'a b'  c\ d`, want: []string{"/addaddress", "a b", "c d"}},
		{in: `/x ""`, want: []string{"/x", ""}},
		{in: "   ", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := tokenizeCommandLine(tt.in); !slices.Equal(got, tt.want) {
				t.Fatalf("tokenize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitCommand(t *testing.T) {
	word, args, ok := splitCommand("/Track@outage_bot 2")
	if !ok || word != "track" || !slices.Equal(args, []string{"2"}) {
		t.Fatalf("got %q %q %v", word, args, ok)
	}
	if _, _, ok := splitCommand("hello"); ok {
		t.Fatal("plain text must not be a command")
	}
	if _, _, ok := splitCommand("/"); ok {
		t.Fatal("bare slash must not be a command")
	}
}

func TestParseIndex(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "1", want: 0},
		{in: "12", want: 11},
		{in: "0", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "1a", wantErr: true},
		{in: "", wantErr: true},
		{in: "all", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseIndex(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseIndex(%q) err = %v", tt.in, err)
		}
		if err == nil && got != tt.want {
			t.Fatalf("parseIndex(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestAddressArgs(t *testing.T) {
	if _, _, _, ok := addressArgs([]string{"Київ", "Main"}); ok {
		t.Fatal("two args must be rejected")
	}
	city, street, house, ok := addressArgs([]string{"Київ", "вул.", "Хрещатик", "22"})
	if !ok || city != "Київ" || street != "вул. Хрещатик" || house != "22" {
		t.Fatalf("got %q %q %q %v", city, street, house, ok)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	tests := map[string]string{
		"status":     "status",
		"Stop-Track": "stop_track",
		"status all": "status_all",
		"__x__":      "x",
		"1st":        "cmd_1st",
		"київ":       "",
	}
	for in, want := range tests {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
	if got := sanitizeTelegramCommand(strings.Repeat("a", 40)); len(got) != 32 {
		t.Fatalf("long command not truncated: %q", got)
	}
}

// fakes

type sentText struct {
	chat int64
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	texts []sentText
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sentText{chat: to.ChatID, text: text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) SendPhoto(_ context.Context, to kit.ChatTarget, _, _ string) (kit.MessageRef, error) {
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1].text
}

type fakeBook struct {
	list map[string][]addressbook.Address
}

func (b *fakeBook) Add(_ context.Context, chat string, a addressbook.Address) (addressbook.Address, error) {
	if a.City == "" || a.Street == "" || a.House == "" {
		return addressbook.Address{}, addressbook.ErrEmptyField
	}
	b.list[chat] = append(b.list[chat], a)
	return a, nil
}

func (b *fakeBook) List(chat string) []addressbook.Address { return b.list[chat] }

func (b *fakeBook) Delete(_ context.Context, chat string, index int) (addressbook.Address, error) {
	l := b.list[chat]
	if index < 0 || index >= len(l) {
		return addressbook.Address{}, addressbook.ErrInvalidIndex
	}
	a := l[index]
	b.list[chat] = slices.Delete(l, index, index+1)
	return a, nil
}

type fakeTracker struct {
	tracked  map[string][]int
	reindex  []int
	startErr error
}

func (f *fakeTracker) Start(_ context.Context, chat string, index int) (bool, error) {
	if f.startErr != nil {
		return false, f.startErr
	}
	if slices.Contains(f.tracked[chat], index) {
		return false, nil
	}
	f.tracked[chat] = append(f.tracked[chat], index)
	return true, nil
}

func (f *fakeTracker) Stop(_ context.Context, chat string, index int) error {
	i := slices.Index(f.tracked[chat], index)
	if i < 0 {
		return tracking.ErrNotTracked
	}
	f.tracked[chat] = slices.Delete(f.tracked[chat], i, i+1)
	return nil
}

func (f *fakeTracker) Reindex(_ context.Context, _ string, removed int) error {
	f.reindex = append(f.reindex, removed)
	return nil
}

func (f *fakeTracker) Tracked(chat string) []int { return f.tracked[chat] }

func (f *fakeTracker) Active() []tracking.Key { return nil }

type fakeFetcher struct {
	html  string
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ fetcher.Request) (fetcher.Page, error) {
	f.calls++
	if f.err != nil {
		return fetcher.Page{}, f.err
	}
	return fetcher.Page{HTML: f.html, ScreenshotPath: "shot.png"}, nil
}

type fakeNotifier struct {
	texts  []string
	images []string
}

func (n *fakeNotifier) SendText(_ context.Context, _ string, text string) {
	n.texts = append(n.texts, text)
}
func (n *fakeNotifier) SendImage(_ context.Context, _ string, path string) {
	n.images = append(n.images, path)
}
func (n *fakeNotifier) Snapshot() []notifier.HistoryItem { return nil }

type fixture struct {
	sender  *fakeSender
	book    *fakeBook
	tracker *fakeTracker
	fetch   *fakeFetcher
	notify  *fakeNotifier
	svc     *Services
}

func newFixture() *fixture {
	f := &fixture{
		sender:  &fakeSender{},
		book:    &fakeBook{list: map[string][]addressbook.Address{}},
		tracker: &fakeTracker{tracked: map[string][]int{}},
		fetch:   &fakeFetcher{},
		notify:  &fakeNotifier{},
	}
	f.svc = &Services{
		Addresses: f.book,
		Tracking:  f.tracker,
		Fetcher:   f.fetch,
		Notifier:  f.notify,
	}
	return f
}

func (f *fixture) run(t *testing.T, h HandlerFunc, args ...string) string {
	t.Helper()
	req := &Request{
		Chat:    kit.ChatTarget{ChatID: 1},
		Args:    args,
		Adapter: f.sender,
		Logger:  logx.Nop(),
	}
	if err := h(context.Background(), req); err != nil {
		t.Fatalf("handler: %v", err)
	}
	return f.sender.last()
}

func TestAddAndListAddresses(t *testing.T) {
	f := newFixture()
	if got := f.run(t, f.svc.cmdListAddresses); got != msgNoAddresses {
		t.Fatalf("empty list reply = %q", got)
	}
	if got := f.run(t, f.svc.cmdAddAddress, "Київ"); !strings.HasPrefix(got, "❗ Формат") {
		t.Fatalf("short add reply = %q", got)
	}
	if got := f.run(t, f.svc.cmdAddAddress, "Київ", "Main", "1"); got != "✅ Додано адресу: Київ, Main, 1" {
		t.Fatalf("add reply = %q", got)
	}
	f.run(t, f.svc.cmdAddAddress, "Lviv", "Rynok", "3")
	f.tracker.tracked["1"] = []int{1}

	got := f.run(t, f.svc.cmdListAddresses)
	if !strings.Contains(got, "1. Київ, Main, 1\n") || !strings.Contains(got, "2. Lviv, Rynok, 3 🔄") {
		t.Fatalf("list reply = %q", got)
	}
}

func TestDeleteAddressReindexes(t *testing.T) {
	f := newFixture()
	f.book.list["1"] = []addressbook.Address{{City: "A", Street: "S", House: "1"}, {City: "B", Street: "S", House: "2"}}

	if got := f.run(t, f.svc.cmdDeleteAddress, "3"); got != msgBadIndex {
		t.Fatalf("out of range reply = %q", got)
	}
	if len(f.tracker.reindex) != 0 {
		t.Fatal("reindex must not run for an invalid index")
	}
	if got := f.run(t, f.svc.cmdDeleteAddress, "x"); !strings.HasPrefix(got, "❗ Формат") {
		t.Fatalf("bad arg reply = %q", got)
	}
	if got := f.run(t, f.svc.cmdDeleteAddress, "1"); got != "🗑️ Видалено: A, S, 1" {
		t.Fatalf("delete reply = %q", got)
	}
	if !slices.Equal(f.tracker.reindex, []int{0}) {
		t.Fatalf("reindex calls = %v", f.tracker.reindex)
	}
}

func TestTrackAndStopTrack(t *testing.T) {
	f := newFixture()
	if got := f.run(t, f.svc.cmdTrack, "1"); got != msgAddFirst {
		t.Fatalf("track without addresses = %q", got)
	}
	f.book.list["1"] = []addressbook.Address{{City: "Kyiv", Street: "Main", House: "1"}}

	if got := f.run(t, f.svc.cmdTrack, "1"); got != "🔄 Відстеження змін для адреси 1 активовано" {
		t.Fatalf("track reply = %q", got)
	}
	if got := f.run(t, f.svc.cmdTrack, "1"); !strings.Contains(got, "вже активне") {
		t.Fatalf("second track reply = %q", got)
	}
	f.tracker.startErr = tracking.ErrInvalidIndex
	if got := f.run(t, f.svc.cmdTrack, "5"); got != msgBadIndex {
		t.Fatalf("invalid track reply = %q", got)
	}

	if got := f.run(t, f.svc.cmdStopTrack, "1"); got != "🛑 Відстеження для адреси 1 (Kyiv, Main 1) зупинено" {
		t.Fatalf("stop reply = %q", got)
	}
	if got := f.run(t, f.svc.cmdStopTrack, "1"); got != msgNotTracked {
		t.Fatalf("second stop reply = %q", got)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture()
	f.book.list["1"] = []addressbook.Address{{City: "Kyiv", Street: "Main", House: "1"}, {City: "Kyiv", Street: "Side", House: "2"}}

	if got := f.run(t, f.svc.cmdStatus); !strings.HasPrefix(got, "❗ Формат") {
		t.Fatalf("no-arg reply = %q", got)
	}
	if got := f.run(t, f.svc.cmdStatus, "3"); got != msgBadIndex {
		t.Fatalf("out of range reply = %q", got)
	}

	f.fetch.html = "<html><body></body></html>"
	f.run(t, f.svc.cmdStatus, "2")
	if len(f.notify.texts) != 1 || !strings.HasSuffix(f.notify.texts[0], msgStatusNotFound) {
		t.Fatalf("status texts = %q", f.notify.texts)
	}
	if !slices.Equal(f.notify.images, []string{"shot.png"}) {
		t.Fatalf("status images = %v", f.notify.images)
	}

	f.run(t, f.svc.cmdStatus, "all")
	if f.fetch.calls != 3 {
		t.Fatalf("fetch calls = %d, want 3", f.fetch.calls)
	}

	f.fetch.err = &fetcher.FetchError{Step: fetcher.StepNavigate, Err: errors.New("boom")}
	if got := f.run(t, f.svc.cmdStatus, "1"); !strings.HasPrefix(got, "⚠️") {
		t.Fatalf("failed status reply = %q", got)
	}
	if len(f.notify.texts) != 3 {
		t.Fatalf("a failed fetch must not notify, texts = %d", len(f.notify.texts))
	}
}

func TestRouteOwnerOnlyAndUnknown(t *testing.T) {
	sender := &fakeSender{}
	m := NewCommandManager(logx.Nop(), sender, []int64{42})
	m.SetRegistry([]Command{{
		Route:  "health",
		Access: AccessOwnerOnly,
		Handle: func(context.Context, *Request) error { return nil },
	}})

	msg := func(from int64, text string) kit.Update {
		return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 7, FromID: from, Text: text}}
	}

	m.routeMessage(context.Background(), msg(1, "/health"))
	if got := sender.last(); !strings.HasPrefix(got, "⛔") {
		t.Fatalf("non-owner reply = %q", got)
	}
	m.routeMessage(context.Background(), msg(1, "/nope"))
	if got := sender.last(); !strings.HasPrefix(got, "❓") {
		t.Fatalf("unknown reply = %q", got)
	}

	before := len(m.jobs)
	m.routeMessage(context.Background(), msg(42, "/health"))
	if len(m.jobs) != before+1 {
		t.Fatal("owner command was not queued")
	}
	m.routeMessage(context.Background(), msg(1, "just chatting"))
	if len(m.jobs) != before+1 {
		t.Fatal("plain text must be ignored")
	}
}

func TestHelpText(t *testing.T) {
	m := NewCommandManager(logx.Nop(), &fakeSender{}, nil)
	m.SetRegistry(OutageCommands(&Services{}))

	top := m.helpText(nil)
	for _, want := range []string{"/addaddress <місто> <вулиця> <будинок>", "/status <номер> або /status all", "🔒 /health"} {
		if !strings.Contains(top, want) {
			t.Fatalf("help missing %q:\n%s", want, top)
		}
	}
	if !strings.HasSuffix(top, "стан бота") {
		t.Fatalf("owner-only commands should be listed last:\n%s", top)
	}
	if got := m.helpText([]string{"del"}); !strings.Contains(got, "/deleteaddress <номер>") {
		t.Fatalf("alias help = %q", got)
	}
}

func TestChatThrottle(t *testing.T) {
	f := newFixture()
	calls := 0
	h := Chain(func(context.Context, *Request) error {
		calls++
		f.sender.SendText(context.Background(), kit.ChatTarget{ChatID: 1}, "ok", nil)
		return nil
	}, MWChatThrottle(time.Hour, 2, "slow down"))

	for i, want := range []string{"ok", "ok", "slow down"} {
		if got := f.run(t, h); got != want {
			t.Fatalf("call %d reply = %q, want %q", i, got, want)
		}
	}
	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2", calls)
	}
}

func TestChatThrottleSweep(t *testing.T) {
	now := time.Unix(0, 0)
	th := &chatThrottle{every: time.Second, burst: 1, chats: map[int64]*chatLimiter{}, now: func() time.Time { return now }}
	if !th.allow(1) || th.allow(1) {
		t.Fatal("burst of one not enforced")
	}
	now = now.Add(2 * time.Second)
	if !th.allow(1) {
		t.Fatal("token not refilled")
	}
	th.sweepLocked(now.Add(time.Second))
	if len(th.chats) != 0 {
		t.Fatalf("idle chat not swept: %d left", len(th.chats))
	}
}
