package tracking

import (
	"context"
	"errors"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"outagewatch/internal/addressbook"
	"outagewatch/internal/fetcher"
	rtsup "outagewatch/internal/runtime/supervisor"
	"outagewatch/internal/storage"
	logx "outagewatch/pkg/logx"
)

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t, &scripted{pages: []string{page("x")}}, time.Hour, map[string][]addressbook.Address{
		"1": {kyiv("Main")},
	})
	ctx := context.Background()

	started, err := h.sup.Start(ctx, "1", 0)
	if err != nil || !started {
		t.Fatalf("first Start = %v, %v", started, err)
	}
	started, err = h.sup.Start(ctx, "1", 0)
	if err != nil || started {
		t.Fatalf("second Start = %v, %v", started, err)
	}
	if got := h.sup.Active(); len(got) != 1 {
		t.Fatalf("live tasks = %v", got)
	}
	if got := h.persisted(t); !reflect.DeepEqual(got, Registrations{"1": {0}}) {
		t.Fatalf("persisted = %v", got)
	}
}

func TestStartInvalidIndex(t *testing.T) {
	h := newHarness(t, &scripted{pages: []string{page("x")}}, time.Hour, map[string][]addressbook.Address{
		"1": {kyiv("Main")},
	})
	for _, idx := range []int{-1, 1, 7} {
		if _, err := h.sup.Start(context.Background(), "1", idx); !errors.Is(err, ErrInvalidIndex) {
			t.Fatalf("Start(%d) err = %v", idx, err)
		}
	}
	if _, err := h.sup.Start(context.Background(), "unknown", 0); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("Start on unknown chat err = %v", err)
	}
	if len(h.sup.Active()) != 0 {
		t.Fatal("task launched for invalid index")
	}
}

func TestStopNotTrackedMutatesNothing(t *testing.T) {
	h := newHarness(t, &scripted{pages: []string{page("x")}}, time.Hour, map[string][]addressbook.Address{
		"1": {kyiv("Main"), kyiv("Side")},
	})
	ctx := context.Background()
	if _, err := h.sup.Start(ctx, "1", 0); err != nil {
		t.Fatal(err)
	}
	before := h.persisted(t)

	if err := h.sup.Stop(ctx, "1", 1); !errors.Is(err, ErrNotTracked) {
		t.Fatalf("Stop = %v, want ErrNotTracked", err)
	}
	if err := h.sup.Stop(ctx, "2", 0); !errors.Is(err, ErrNotTracked) {
		t.Fatalf("Stop on unknown chat = %v", err)
	}
	if got := h.persisted(t); !reflect.DeepEqual(got, before) {
		t.Fatalf("registrations changed: %v -> %v", before, got)
	}
	if len(h.sup.Active()) != 1 {
		t.Fatal("live task table changed")
	}
}

func TestStopCancelsAndPersists(t *testing.T) {
	f := &scripted{pages: []string{page("x")}}
	h := newHarness(t, f, time.Hour, map[string][]addressbook.Address{
		"1": {kyiv("Main"), kyiv("Side")},
	})
	ctx := context.Background()
	for _, idx := range []int{0, 1} {
		if _, err := h.sup.Start(ctx, "1", idx); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "both baselines", func() bool { return h.sup.cache.size() == 2 })

	if err := h.sup.Stop(ctx, "1", 0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.persisted(t); !reflect.DeepEqual(got, Registrations{"1": {1}}) {
		t.Fatalf("persisted = %v", got)
	}
	if got := h.sup.Active(); len(got) != 1 || got[0].Index != 1 {
		t.Fatalf("active = %v", got)
	}
	if _, ok := h.sup.cache.get(Key{Chat: "1", Index: 1}); !ok {
		t.Fatal("stop removed another key's baseline")
	}
	if got := h.sup.Tracked("1"); !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("Tracked = %v", got)
	}
}

func TestRecoverAllSkipsStalePairs(t *testing.T) {
	f := &scripted{pages: []string{page("x")}}
	h := newHarness(t, f, time.Hour, map[string][]addressbook.Address{
		"1": {kyiv("Main"), kyiv("Side")},
		"2": {kyiv("Only")},
	})
	ctx := context.Background()
	seed := Registrations{"1": {0, 1, 5}, "2": {0, 3}, "3": {0}}
	if err := storage.NewDocuments[Registrations](h.store, storage.KindTracking, logx.Nop()).Save(ctx, seed); err != nil {
		t.Fatal(err)
	}

	h.sup.Load(ctx)
	if n := h.sup.RecoverAll(ctx); n != 3 {
		t.Fatalf("RecoverAll launched %d, want 3", n)
	}
	want := []Key{{"1", 0}, {"1", 1}, {"2", 0}}
	if got := h.sup.Active(); !reflect.DeepEqual(got, want) {
		t.Fatalf("active = %v, want %v", got, want)
	}
	if got := h.persisted(t); !reflect.DeepEqual(got, seed) {
		t.Fatalf("recovery rewrote registrations: %v", got)
	}
	if n := h.sup.RecoverAll(ctx); n != 0 {
		t.Fatalf("second RecoverAll launched %d duplicate tasks", n)
	}
}

func TestReindexAfterDelete(t *testing.T) {
	f := &scripted{pages: []string{page("x")}}
	h := newHarness(t, f, time.Hour, map[string][]addressbook.Address{
		"1": {kyiv("A"), kyiv("B"), kyiv("C")},
	})
	ctx := context.Background()
	for _, idx := range []int{0, 1, 2} {
		if _, err := h.sup.Start(ctx, "1", idx); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "baselines", func() bool { return h.sup.cache.size() == 3 })

	h.addrs.remove("1", 1)
	if err := h.sup.Reindex(ctx, "1", 1); err != nil {
		t.Fatalf("Reindex: %v", err)
	}

	if got := h.persisted(t); !reflect.DeepEqual(got, Registrations{"1": {0, 1}}) {
		t.Fatalf("persisted = %v", got)
	}
	if got := h.sup.Active(); !reflect.DeepEqual(got, []Key{{"1", 0}, {"1", 1}}) {
		t.Fatalf("active = %v", got)
	}
	if _, ok := h.sup.cache.get(Key{Chat: "1", Index: 2}); ok {
		t.Fatal("stale cache entry at old index")
	}
	// the shifted task still follows address C and kept its baseline
	if _, ok := h.sup.cache.get(Key{Chat: "1", Index: 1}); !ok {
		t.Fatal("shifted baseline lost")
	}
	if len(h.sink.all()) != 0 {
		t.Fatalf("reindex caused notifications: %+v", h.sink.all())
	}
}

// Startup with one persisted pair, then "Power on" followed by "Power off"
// produces exactly one notification and one change log line.
func TestRecoveryScenarioSingleChange(t *testing.T) {
	f := &scripted{pages: []string{page("Power on"), page("Power off")}}
	h := newHarness(t, f, 5*time.Millisecond, map[string][]addressbook.Address{
		"1": {{ID: "a1", City: "Kyiv", Street: "Main", House: "1"}},
	})
	ctx := context.Background()
	if err := storage.NewDocuments[Registrations](h.store, storage.KindTracking, logx.Nop()).Save(ctx, Registrations{"1": {0}}); err != nil {
		t.Fatal(err)
	}

	h.sup.Load(ctx)
	if n := h.sup.RecoverAll(ctx); n != 1 {
		t.Fatalf("RecoverAll = %d, want 1", n)
	}
	waitFor(t, "several polls", func() bool { return f.Calls() >= 5 })

	texts := h.sink.texts()
	if len(texts) != 1 {
		t.Fatalf("notifications = %q, want exactly one", texts)
	}
	want := "🔔 Зміни для адреси 1 (Kyiv, Main 1):\n\nPower off"
	if texts[0] != want {
		t.Fatalf("message = %q, want %q", texts[0], want)
	}
	b, err := os.ReadFile(h.log)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(b), "Зміни для адреси 1 (Kyiv, Main 1): | Power off"); lines != 1 {
		t.Fatalf("change log has %d matching lines: %q", lines, b)
	}
}

// Stopping while a fetch is in flight must not crash or resurrect the
// registration, whichever way the race lands.
func TestStopDuringInFlightPoll(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var calls int
	var mu sync.Mutex
	f := fetchFunc(func(ctx context.Context, _ fetcher.Request) (fetcher.Page, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			once.Do(func() { close(entered) })
			<-release
		}
		return fetcher.Page{HTML: page("call " + strconv.Itoa(n))}, nil
	})
	h := newHarness(t, f, time.Millisecond, map[string][]addressbook.Address{
		"1": {kyiv("Main")},
	})
	ctx := context.Background()
	if _, err := h.sup.Start(ctx, "1", 0); err != nil {
		t.Fatal(err)
	}

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("second poll never started")
	}
	if err := h.sup.Stop(ctx, "1", 0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(release)

	time.Sleep(20 * time.Millisecond)
	if n := len(h.sink.texts()); n > 1 {
		t.Fatalf("notified %d times after stop", n)
	}
	if got := h.persisted(t); len(got["1"]) != 0 {
		t.Fatalf("registration re-appeared: %v", got)
	}
	if len(h.sup.Active()) != 0 {
		t.Fatal("task still live after stop")
	}
}

// fetchMeter records how many fetches per address run at once. Fetches
// sleep without looking at ctx.
type fetchMeter struct {
	mu       sync.Mutex
	hold     time.Duration
	inflight map[string]int
	peak     map[string]int
	calls    map[string]int
}

func newFetchMeter(hold time.Duration) *fetchMeter {
	return &fetchMeter{hold: hold, inflight: map[string]int{}, peak: map[string]int{}, calls: map[string]int{}}
}

func (m *fetchMeter) Fetch(_ context.Context, req fetcher.Request) (fetcher.Page, error) {
	m.mu.Lock()
	m.calls[req.AddressID]++
	m.inflight[req.AddressID]++
	m.peak[req.AddressID] = max(m.peak[req.AddressID], m.inflight[req.AddressID])
	m.mu.Unlock()

	time.Sleep(m.hold)

	m.mu.Lock()
	m.inflight[req.AddressID]--
	m.mu.Unlock()
	return fetcher.Page{HTML: page("x")}, nil
}

func (m *fetchMeter) get(field map[string]int, id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return field[id]
}

func TestRelaunchNeverOverlapsFetches(t *testing.T) {
	m := newFetchMeter(100 * time.Millisecond)
	h := newHarness(t, m, time.Millisecond, map[string][]addressbook.Address{
		"1": {kyiv("A"), kyiv("B")},
	})
	ctx := context.Background()
	for _, idx := range []int{0, 1} {
		if _, err := h.sup.Start(ctx, "1", idx); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "fetch of B in flight", func() bool { return m.get(m.inflight, "id-B") > 0 })

	h.addrs.remove("1", 0)
	rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := h.sup.Reindex(rctx, "1", 0); err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if err := h.sup.Stop(ctx, "1", 0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := h.sup.Start(ctx, "1", 0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	before := m.get(m.calls, "id-B")
	waitFor(t, "polls after relaunch", func() bool { return m.get(m.calls, "id-B") >= before+2 })
	if peak := m.get(m.peak, "id-B"); peak != 1 {
		t.Fatalf("concurrent fetches for one address = %d, want 1", peak)
	}
}

// A stopped task whose fetch is still running must neither overlap the
// relaunched task nor hand it a stale baseline.
func TestRestartWaitsForStoppedTask(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var calls int
	f := fetchFunc(func(_ context.Context, _ fetcher.Request) (fetcher.Page, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			return fetcher.Page{HTML: page("first")}, nil
		case 2:
			close(entered)
			<-release
			return fetcher.Page{HTML: page("late")}, nil
		}
		return fetcher.Page{HTML: page("current")}, nil
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
	h := newHarness(t, f, time.Millisecond, map[string][]addressbook.Address{
		"1": {kyiv("Main")},
	})
	ctx := context.Background()
	if _, err := h.sup.Start(ctx, "1", 0); err != nil {
		t.Fatal(err)
	}
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("second poll never started")
	}

	if err := h.sup.Stop(ctx, "1", 0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := h.sup.Start(ctx, "1", 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := count(); n != 2 {
		t.Fatalf("relaunched task fetched while the old fetch was running (calls = %d)", n)
	}
	close(release)

	waitFor(t, "polls after relaunch", func() bool { return count() >= 5 })
	if texts := h.sink.texts(); len(texts) != 0 {
		t.Fatalf("first poll after restart notified: %q", texts)
	}
	if fp, ok := h.sup.cache.get(Key{Chat: "1", Index: 0}); !ok || fp.Text != "current" {
		t.Fatalf("baseline = %+v, %v", fp, ok)
	}
}

type panickingAddresses struct {
	*fakeAddresses
	bad Key
}

func (p panickingAddresses) Get(chat string, index int) (addressbook.Address, bool) {
	if chat == p.bad.Chat && index == p.bad.Index {
		panic("address lookup failed")
	}
	return p.fakeAddresses.Get(chat, index)
}

func TestRecoverAllIsolatesFailures(t *testing.T) {
	h := newHarness(t, &scripted{pages: []string{page("x")}}, time.Hour, map[string][]addressbook.Address{
		"1": {kyiv("A"), kyiv("B")},
		"2": {kyiv("C")},
	})
	h.sup.deps.Addresses = panickingAddresses{fakeAddresses: h.addrs, bad: Key{Chat: "1", Index: 0}}
	ctx := context.Background()
	if err := storage.NewDocuments[Registrations](h.store, storage.KindTracking, logx.Nop()).Save(ctx, Registrations{"1": {0, 1}, "2": {0}}); err != nil {
		t.Fatal(err)
	}

	h.sup.Load(ctx)
	if n := h.sup.RecoverAll(ctx); n != 2 {
		t.Fatalf("RecoverAll = %d, want 2", n)
	}
	if got, want := h.sup.Active(), []Key{{"1", 1}, {"2", 0}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("active = %v, want %v", got, want)
	}
}

func TestCloseStopsEveryTask(t *testing.T) {
	blocking := fetchFunc(func(ctx context.Context, _ fetcher.Request) (fetcher.Page, error) {
		<-ctx.Done()
		return fetcher.Page{}, ctx.Err()
	})
	h := newHarness(t, blocking, time.Hour, map[string][]addressbook.Address{
		"1": {kyiv("A"), kyiv("B")},
		"2": {kyiv("C")},
	})
	ctx := context.Background()
	for _, k := range []Key{{"1", 0}, {"1", 1}, {"2", 0}} {
		if _, err := h.sup.Start(ctx, k.Chat, k.Index); err != nil {
			t.Fatal(err)
		}
	}
	h.sup.mu.Lock()
	var handles []*rtsup.Handle
	for _, lt := range h.sup.tasks {
		handles = append(handles, lt.handle)
	}
	h.sup.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.sup.Close(cctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := h.sup.Active(); len(got) != 0 {
		t.Fatalf("active after Close = %v", got)
	}
	if len(handles) != 3 {
		t.Fatalf("handles = %d", len(handles))
	}
	for _, hd := range handles {
		select {
		case <-hd.Done():
		default:
			t.Fatalf("task %s still running after Close", hd.Name())
		}
	}
	if got := h.persisted(t); !reflect.DeepEqual(got, Registrations{"1": {0, 1}, "2": {0}}) {
		t.Fatalf("Close changed registrations: %v", got)
	}
}
