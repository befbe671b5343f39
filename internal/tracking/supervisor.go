package tracking

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"outagewatch/internal/addressbook"
	"outagewatch/internal/eventbus"
	"outagewatch/internal/fetcher"
	"outagewatch/internal/notifier"
	"outagewatch/internal/observability/metrics"
	rtsup "outagewatch/internal/runtime/supervisor"
	"outagewatch/internal/storage"
	logx "outagewatch/pkg/logx"
)

const DefaultInterval = 600 * time.Second

type Config struct {
	// Interval between polls of one pair. Default 600s.
	Interval time.Duration
}

type Deps struct {
	// Fetcher is shared by all tasks; pass a *FetchPool to bound
	// concurrency.
	Fetcher   fetcher.Fetcher
	Sink      notifier.Sink
	Addresses AddressSource
	Store     storage.Store
	ChangeLog *storage.ChangeLog
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

// Supervisor owns the registrations document, the live task table and the
// fingerprint cache. Mutations of persisted state are serialized by mu.
type Supervisor struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	docs  *storage.Documents[Registrations]
	cache *fingerprintCache
	sup   *rtsup.Supervisor

	mu    sync.Mutex
	regs  Registrations
	tasks map[Key]*liveTask
	// draining holds the last cancelled task per address ID until it has
	// returned. A relaunch for the same address waits on it.
	draining map[string]*rtsup.Handle
}

type liveTask struct {
	handle *rtsup.Handle
	addrID string
}

func New(cfg Config, deps Deps) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "tracking"))

	return &Supervisor{
		cfg:   cfg,
		deps:  deps,
		log:   log,
		docs:  storage.NewDocuments[Registrations](deps.Store, storage.KindTracking, log),
		cache: newFingerprintCache(),
		sup: rtsup.NewSupervisor(context.Background(),
			rtsup.WithLogger(log),
			rtsup.WithCancelOnError(false),
		),
		regs:     Registrations{},
		tasks:    map[Key]*liveTask{},
		draining: map[string]*rtsup.Handle{},
	}
}

// Load reads persisted registrations. It does not launch tasks.
func (s *Supervisor) Load(ctx context.Context) {
	regs := s.docs.Load(ctx, Registrations{})
	if regs == nil {
		regs = Registrations{}
	}
	s.mu.Lock()
	s.regs = regs
	s.mu.Unlock()

	pairs := 0
	for _, idx := range regs {
		pairs += len(idx)
	}
	s.log.Info("registrations loaded", logx.Int("chats", len(regs)), logx.Int("pairs", pairs))
}

// Start begins tracking chat's address at index. It is idempotent: when a
// task for the pair is already live nothing changes and started is false.
func (s *Supervisor) Start(ctx context.Context, chat string, index int) (started bool, err error) {
	addr, ok := s.deps.Addresses.Get(chat, index)
	if !ok {
		return false, ErrInvalidIndex
	}
	key := Key{Chat: chat, Index: index}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.tasks[key]; live {
		return false, nil
	}

	if !slices.Contains(s.regs[chat], index) {
		prev := s.regs[chat]
		s.regs[chat] = append(slices.Clone(prev), index)
		if err := s.saveLocked(ctx); err != nil {
			s.regs[chat] = prev
			return false, err
		}
	}
	s.launchLocked(key, addr, false)
	return true, nil
}

// Stop ends tracking of the pair. ErrNotTracked is returned, and nothing
// changes, when the pair is not registered.
func (s *Supervisor) Stop(ctx context.Context, chat string, index int) error {
	key := Key{Chat: chat, Index: index}

	s.mu.Lock()
	defer s.mu.Unlock()
	pos := slices.Index(s.regs[chat], index)
	if pos < 0 {
		return ErrNotTracked
	}

	prev := s.regs[chat]
	s.setRegsLocked(chat, slices.Delete(slices.Clone(prev), pos, pos+1))
	if err := s.saveLocked(ctx); err != nil {
		s.regs[chat] = prev
		return err
	}
	s.stopTaskLocked(key)
	return nil
}

// RecoverAll launches a task for every persisted pair that still resolves
// to an address. Pairs that do not are skipped and left as they are.
// Nothing is persisted. It returns the number of tasks launched.
func (s *Supervisor) RecoverAll(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	chats := make([]string, 0, len(s.regs))
	for chat := range s.regs {
		chats = append(chats, chat)
	}
	sort.Strings(chats)

	launched := 0
	for _, chat := range chats {
		for _, index := range s.regs[chat] {
			if ctx.Err() != nil {
				return launched
			}
			if s.recoverOneLocked(chat, index) {
				launched++
			}
		}
	}
	s.log.Info("tracking recovered", logx.Int("launched", launched))
	return launched
}

func (s *Supervisor) recoverOneLocked(chat string, index int) (ok bool) {
	key := Key{Chat: chat, Index: index}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovery launch panicked", logx.String("key", key.String()), logx.Any("panic", r))
			ok = false
		}
	}()

	if _, live := s.tasks[key]; live {
		return false
	}
	addr, found := s.deps.Addresses.Get(chat, index)
	if !found {
		s.log.Debug("stale registration skipped", logx.String("key", key.String()))
		return false
	}
	s.launchLocked(key, addr, true)
	return true
}

// Reindex reconciles tracking after chat's address at removed was deleted:
// the pair itself stops, and pairs above it shift down by one so they keep
// following the same address. Shifted tasks are restarted under their new
// key and keep their baseline.
func (s *Supervisor) Reindex(ctx context.Context, chat string, removed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.regs[chat]
	next := make([]int, 0, len(prev))
	for _, idx := range prev {
		switch {
		case idx == removed:
		case idx > removed:
			next = append(next, idx-1)
		default:
			next = append(next, idx)
		}
	}
	persist := len(prev) > 0
	s.setRegsLocked(chat, next)

	s.stopTaskLocked(Key{Chat: chat, Index: removed})

	var shifted []Key
	for key := range s.tasks {
		if key.Chat == chat && key.Index > removed {
			shifted = append(shifted, key)
		}
	}
	sort.Slice(shifted, func(i, j int) bool { return shifted[i].Index < shifted[j].Index })

	// Relaunched tasks do not poll before their predecessor has returned.
	for _, old := range shifted {
		s.cancelLocked(old)
		moved := Key{Chat: chat, Index: old.Index - 1}
		s.cache.move(old, moved)

		addr, ok := s.deps.Addresses.Get(chat, moved.Index)
		if !ok {
			s.cache.forget(moved)
			continue
		}
		s.launchLocked(moved, addr, false)
	}
	s.deps.Metrics.SetActiveTasks(len(s.tasks))

	if !persist {
		return nil
	}
	if err := s.saveLocked(ctx); err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	return nil
}

// Tracked returns chat's registered indices in ascending order.
func (s *Supervisor) Tracked(chat string) []int {
	s.mu.Lock()
	out := slices.Clone(s.regs[chat])
	s.mu.Unlock()
	slices.Sort(out)
	return out
}

// Active returns the keys of all live tasks.
func (s *Supervisor) Active() []Key {
	s.mu.Lock()
	out := make([]Key, 0, len(s.tasks))
	for k := range s.tasks {
		out = append(out, k)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chat != out[j].Chat {
			return out[i].Chat < out[j].Chat
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// Runtime returns the supervisor that owns the polling tasks.
func (s *Supervisor) Runtime() *rtsup.Supervisor { return s.sup }

// Close cancels every task and waits for them until ctx ends.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	n := len(s.tasks)
	s.tasks = map[Key]*liveTask{}
	s.draining = map[string]*rtsup.Handle{}
	s.mu.Unlock()

	s.log.Info("stopping polling tasks", logx.Int("count", n))
	err := s.sup.Stop(ctx)
	s.deps.Metrics.SetActiveTasks(0)
	return err
}

func (s *Supervisor) launchLocked(key Key, addr addressbook.Address, recovered bool) {
	s.pruneDrainingLocked()
	var after <-chan struct{}
	if prev := s.draining[addr.ID]; prev != nil {
		after = prev.Done()
	}

	t := &pollTask{
		key:      key,
		addr:     addr,
		interval: s.cfg.Interval,
		after:    after,
		fetch:    s.deps.Fetcher,
		cache:    s.cache,
		sink:     s.deps.Sink,
		changes:  s.deps.ChangeLog,
		bus:      s.deps.Bus,
		metrics:  s.deps.Metrics,
		log: s.log.With(
			logx.String("key", key.String()),
			logx.String("address_id", addr.ID),
		),
	}
	s.tasks[key] = &liveTask{
		handle: s.sup.GoTask("track."+key.String(), t.run),
		addrID: addr.ID,
	}
	s.deps.Metrics.SetActiveTasks(len(s.tasks))

	s.log.Info("tracking started",
		logx.String("key", key.String()),
		logx.String("address", addr.String()),
		logx.Bool("recovered", recovered),
	)
	s.publish(eventbus.TrackingStarted, key, addr.String(), recovered)
}

// stopTaskLocked cancels the live task for key, if any, and forgets its
// baseline. The returned handle can be waited on.
func (s *Supervisor) stopTaskLocked(key Key) *rtsup.Handle {
	h := s.cancelLocked(key)
	if h != nil {
		s.deps.Metrics.SetActiveTasks(len(s.tasks))
		s.log.Info("tracking stopped", logx.String("key", key.String()))
		s.publish(eventbus.TrackingStopped, key, "", false)
	}
	s.cache.forget(key)
	return h
}

// cancelLocked cancels and unregisters the live task for key. The task is
// kept in draining until it returns.
func (s *Supervisor) cancelLocked(key Key) *rtsup.Handle {
	lt, ok := s.tasks[key]
	if !ok {
		return nil
	}
	lt.handle.Cancel()
	delete(s.tasks, key)
	s.draining[lt.addrID] = lt.handle
	return lt.handle
}

func (s *Supervisor) pruneDrainingLocked() {
	for id, h := range s.draining {
		select {
		case <-h.Done():
			delete(s.draining, id)
		default:
		}
	}
}

func (s *Supervisor) setRegsLocked(chat string, idx []int) {
	if len(idx) == 0 {
		delete(s.regs, chat)
		return
	}
	s.regs[chat] = idx
}

func (s *Supervisor) saveLocked(ctx context.Context) error {
	if err := s.docs.Save(ctx, s.regs); err != nil {
		return fmt.Errorf("save registrations: %w", err)
	}
	return nil
}

func (s *Supervisor) publish(typ string, key Key, address string, recovered bool) {
	if s.deps.Bus == nil {
		return
	}
	now := time.Now()
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: now, Data: eventbus.TrackingEvent{
		Chat:      key.Chat,
		Index:     key.Index,
		Address:   address,
		At:        now,
		Recovered: recovered,
	}})
}
