package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("600s", "10m", "2h").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Tracking  TrackingConfig  `json:"tracking"`
	Fetcher   FetcherConfig   `json:"fetcher"`
	Notifier  NotifierConfig  `json:"notifier"`
	Artifacts ArtifactsConfig `json:"artifacts"`
	Debug     DebugConfig     `json:"debug"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the document backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data" }
//
// For driver=file, path is a directory holding addresses.json and
// tracking.json. For driver=sqlite, path is the database file.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type TrackingConfig struct {
	// Interval between polls of one tracked address. Default 600s.
	Interval string `json:"interval,omitempty"`
	// MaxConcurrentFetches bounds browser sessions across all tasks. Default 2.
	MaxConcurrentFetches int `json:"max_concurrent_fetches,omitempty"`
	// ChangeLog is the append-only log of notified changes.
	ChangeLog string `json:"change_log,omitempty"`
}

type FetcherConfig struct {
	URL               string `json:"url,omitempty"`
	ScreenshotDir     string `json:"screenshot_dir,omitempty"`
	NavigationTimeout string `json:"navigation_timeout,omitempty"`
	StepTimeout       string `json:"step_timeout,omitempty"`
	ResultTimeout     string `json:"result_timeout,omitempty"`
	SettleDelay       string `json:"settle_delay,omitempty"`
	// Headless defaults to true; pointer distinguishes omitted from false.
	Headless  *bool  `json:"headless,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type NotifierConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
	TextLimit  int `json:"text_limit,omitempty"`
}

type ArtifactsConfig struct {
	PruneSchedule string `json:"prune_schedule,omitempty"`
	MaxAge        string `json:"max_age,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (pprof, metrics).
//
// Prefer binding to localhost. A non-loopback address requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}
