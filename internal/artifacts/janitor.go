// Package artifacts removes stale screenshot files on a cron schedule.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "outagewatch/pkg/logx"
)

const (
	DefaultSchedule = "@daily"
	DefaultMaxAge   = 72 * time.Hour
)

type Config struct {
	Dir      string
	Schedule string
	MaxAge   time.Duration
}

// Janitor deletes *.png files in Dir older than MaxAge. Subdirectories are
// left alone.
type Janitor struct {
	mu     sync.Mutex
	cfg    Config
	parser cron.Parser
	c      *cron.Cron
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, log logx.Logger) (*Janitor, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	j := &Janitor{
		cfg:    cfg,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		log:    log.With(logx.String("comp", "artifacts")),
		now:    time.Now,
	}
	if _, err := j.parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("artifacts.prune_schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// Start schedules pruning. It is a no-op when already started.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return nil
	}
	cl := cronLogger{log: j.log}
	c := cron.New(
		cron.WithParser(j.parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(j.cfg.Schedule, func() {
		if _, err := j.PruneNow(ctx); err != nil {
			j.log.Warn("prune failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	c.Start()
	j.c = c
	j.log.Info("janitor started", logx.String("schedule", j.cfg.Schedule), logx.Duration("max_age", j.cfg.MaxAge), logx.String("dir", j.cfg.Dir))
	return nil
}

// Stop waits for a running prune to finish or ctx to expire.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PruneNow deletes expired screenshots and returns how many were removed.
// A missing directory is not an error.
func (j *Janitor) PruneNow(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(j.cfg.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := j.now().Add(-j.cfg.MaxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed meanwhile
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.cfg.Dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		j.log.Info("screenshots pruned", logx.Int("removed", removed))
	}
	return removed, errors.Join(errs...)
}

// cronLogger routes cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
