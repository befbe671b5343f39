package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"outagewatch/internal/artifacts"
	"outagewatch/internal/config"
	"outagewatch/internal/fetcher/headless"
	"outagewatch/internal/notifier"
	"outagewatch/internal/observability/debugsrv"
	"outagewatch/internal/storage"
	"outagewatch/internal/tracking"
	logx "outagewatch/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// groupLogChat parses telegram.group_log; empty means no log chat.
func groupLogChat(cfg *config.Config) (int64, error) {
	s := strings.TrimSpace(cfg.Telegram.GroupLog)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: invalid chat id %q", s)
	}
	return id, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = "."
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

type trackingSettings struct {
	cfg       tracking.Config
	poolSize  int
	changeLog string
}

func mapTrackingConfig(cfg *config.Config) (trackingSettings, error) {
	tc := cfg.Tracking
	interval, err := config.ParseInterval("tracking.interval", tc.Interval, tracking.DefaultInterval, 10*time.Second)
	if err != nil {
		return trackingSettings{}, err
	}
	if tc.MaxConcurrentFetches < 0 {
		return trackingSettings{}, fmt.Errorf("tracking.max_concurrent_fetches must be >= 0")
	}
	return trackingSettings{
		cfg:       tracking.Config{Interval: interval},
		poolSize:  tc.MaxConcurrentFetches,
		changeLog: tc.ChangeLog,
	}, nil
}

func mapFetcherConfig(cfg *config.Config) (headless.Config, error) {
	fc := cfg.Fetcher
	out := headless.Config{
		URL:           strings.TrimSpace(fc.URL),
		ScreenshotDir: strings.TrimSpace(fc.ScreenshotDir),
		Headless:      fc.Headless == nil || *fc.Headless,
		UserAgent:     strings.TrimSpace(fc.UserAgent),
	}
	var err error
	if out.NavigationTimeout, err = config.ParseDurationField("fetcher.navigation_timeout", fc.NavigationTimeout); err != nil {
		return headless.Config{}, err
	}
	if out.StepTimeout, err = config.ParseDurationField("fetcher.step_timeout", fc.StepTimeout); err != nil {
		return headless.Config{}, err
	}
	if out.ResultTimeout, err = config.ParseDurationField("fetcher.result_timeout", fc.ResultTimeout); err != nil {
		return headless.Config{}, err
	}
	if out.SettleDelay, err = config.ParseDurationField("fetcher.settle_delay", fc.SettleDelay); err != nil {
		return headless.Config{}, err
	}
	if out.URL != "" && !strings.HasPrefix(out.URL, "http://") && !strings.HasPrefix(out.URL, "https://") {
		return headless.Config{}, fmt.Errorf("fetcher.url must be an http(s) URL")
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	if nc.TextLimit < 0 || nc.TextLimit > notifier.DefaultTextLimit {
		return notifier.Config{}, fmt.Errorf("notifier.text_limit must be between 0 and %d", notifier.DefaultTextLimit)
	}
	return notifier.Config{RatePerSec: nc.RatePerSec, TextLimit: nc.TextLimit}, nil
}

func mapArtifactsConfig(cfg *config.Config, dir string) (artifacts.Config, error) {
	maxAge, err := config.ParseDurationOrDefault("artifacts.max_age", cfg.Artifacts.MaxAge, artifacts.DefaultMaxAge)
	if err != nil {
		return artifacts.Config{}, err
	}
	return artifacts.Config{Dir: dir, Schedule: strings.TrimSpace(cfg.Artifacts.PruneSchedule), MaxAge: maxAge}, nil
}

func mapDebugConfig(cfg *config.Config) debugsrv.Config {
	return debugsrv.Config{
		Enabled:      cfg.Debug.Enabled,
		Addr:         strings.TrimSpace(cfg.Debug.Addr),
		Token:        strings.TrimSpace(cfg.Debug.Token),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // pprof profile defaults to 30s
		IdleTimeout:  60 * time.Second,
	}
}

// validate rejects configs that would fail at startup. It also guards hot
// reloads, so it must not touch any running component.
func validate(cfg *config.Config) error {
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := groupLogChat(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTrackingConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFetcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	ac, err := mapArtifactsConfig(cfg, "")
	if err != nil {
		return err
	}
	if _, err := artifacts.New(ac, logx.Nop()); err != nil {
		return err
	}
	return nil
}
