package tracking

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"outagewatch/internal/addressbook"
	"outagewatch/internal/fetcher"
	"outagewatch/internal/storage"
	logx "outagewatch/pkg/logx"
)

// page renders a minimal schedule page with the given status text and
// active-row cell classes.
func page(text string, cells ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="discon-fact" class="active"><p>`)
	b.WriteString(text)
	b.WriteString(`</p></div>`)
	if len(cells) > 0 {
		b.WriteString(`<div class="discon-fact-tables"><div class="discon-fact-table active"><table><tbody><tr><td>a</td><td>b</td>`)
		for _, c := range cells {
			b.WriteString(`<td class="` + c + `"></td>`)
		}
		b.WriteString(`</tr></tbody></table></div></div>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

type fetchFunc func(ctx context.Context, req fetcher.Request) (fetcher.Page, error)

func (f fetchFunc) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Page, error) {
	return f(ctx, req)
}

// scripted returns pages in order and repeats the last one forever.
type scripted struct {
	mu    sync.Mutex
	pages []string
	errs  []error
	calls int
}

func (s *scripted) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.pages)-1)
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return fetcher.Page{}, s.errs[i]
	}
	return fetcher.Page{HTML: s.pages[i], ScreenshotPath: "/nonexistent/" + req.AddressID + ".png"}, nil
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type sent struct {
	chat string
	text string
	kind string
}

type fakeSink struct {
	mu  sync.Mutex
	out []sent
}

func (f *fakeSink) SendText(_ context.Context, chat, text string) {
	f.mu.Lock()
	f.out = append(f.out, sent{chat: chat, text: text, kind: "text"})
	f.mu.Unlock()
}

func (f *fakeSink) SendImage(_ context.Context, chat, path string) {
	f.mu.Lock()
	f.out = append(f.out, sent{chat: chat, text: path, kind: "image"})
	f.mu.Unlock()
}

func (f *fakeSink) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.out {
		if s.kind == "text" {
			out = append(out, s.text)
		}
	}
	return out
}

func (f *fakeSink) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.out...)
}

type fakeAddresses struct {
	mu sync.Mutex
	m  map[string][]addressbook.Address
}

func (f *fakeAddresses) Get(chat string, index int) (addressbook.Address, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.m[chat]
	if index < 0 || index >= len(list) {
		return addressbook.Address{}, false
	}
	return list[index], true
}

func (f *fakeAddresses) remove(chat string, index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.m[chat]
	f.m[chat] = append(append([]addressbook.Address(nil), list[:index]...), list[index+1:]...)
}

func kyiv(street string) addressbook.Address {
	return addressbook.Address{ID: "id-" + street, City: "Kyiv", Street: street, House: "1"}
}

type harness struct {
	sup   *Supervisor
	sink  *fakeSink
	addrs *fakeAddresses
	store storage.Store
	log   string
}

func newHarness(t *testing.T, f fetcher.Fetcher, interval time.Duration, addrs map[string][]addressbook.Address) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cl, err := storage.NewChangeLog(dir + "/tracking.log")
	if err != nil {
		t.Fatalf("change log: %v", err)
	}
	h := &harness{
		sink:  &fakeSink{},
		addrs: &fakeAddresses{m: addrs},
		store: st,
		log:   cl.Path(),
	}
	h.sup = New(Config{Interval: interval}, Deps{
		Fetcher:   f,
		Sink:      h.sink,
		Addresses: h.addrs,
		Store:     st,
		ChangeLog: cl,
		Log:       logx.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.sup.Close(ctx)
		_ = st.Close()
	})
	return h
}

// persisted reads the registrations document as stored.
func (h *harness) persisted(t *testing.T) Registrations {
	t.Helper()
	return storage.NewDocuments[Registrations](h.store, storage.KindTracking, logx.Nop()).Load(context.Background(), Registrations{})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
