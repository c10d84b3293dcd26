package config

// Config is the gateway's on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Only the logging section is applied live; every other change is logged
// and takes effect on restart.
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	IM       IMConfig        `json:"im"`
	Affinity AffinityConfig  `json:"affinity"`
	HTTP     HTTPConfig      `json:"http"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Report   ReportConfig    `json:"report,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingAlert forwards log records at or above MinLevel to the alert
// pipeline.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// IMConfig lists the providers and tunes the connection supervisors.
//
// Defaults (when fields are omitted/zero):
//   - dedup_ttl: "10m", dedup_capacity: 2000
//   - alert_cooldown: "5m"
//   - disconnect_grace: "8s"
//   - start_timeout: "30s"
//   - queue_size: 256, handler_timeout: "2m"
//   - send_timeout: "10s", fanout: 4
type IMConfig struct {
	Enabled   bool             `json:"enabled"`
	Providers []ProviderConfig `json:"providers"`

	DedupTTL        string `json:"dedup_ttl,omitempty"`
	DedupCapacity   int    `json:"dedup_capacity,omitempty"`
	AlertCooldown   string `json:"alert_cooldown,omitempty"`
	DisconnectGrace string `json:"disconnect_grace,omitempty"`
	StartTimeout    string `json:"start_timeout,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	HandlerTimeout  string `json:"handler_timeout,omitempty"`

	SendTimeout string `json:"send_timeout,omitempty"`
	Fanout      int    `json:"fanout,omitempty"`

	// AlertUserID receives connection alerts; empty means the default provider.
	AlertUserID string `json:"alert_user_id,omitempty"`

	Inbound InboundConfig `json:"inbound"`
}

// ProviderConfig is one entry of im.providers. Secrets are never logged.
type ProviderConfig struct {
	Provider   string `json:"provider"`
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url,omitempty"`
	Secret     string `json:"secret,omitempty"`

	BotToken          string `json:"bot_token,omitempty"`
	AppID             string `json:"app_id,omitempty"`
	AppSecret         string `json:"app_secret,omitempty"`
	VerificationToken string `json:"verification_token,omitempty"`
	EncryptKey        string `json:"encrypt_key,omitempty"`

	ProxyURL    string `json:"proxy_url,omitempty"`
	BypassProxy bool   `json:"bypass_proxy,omitempty"`
	// HeartbeatTimeout is handed to the transport: a session whose heartbeat
	// acks stop for this long is dropped.
	HeartbeatTimeout string `json:"heartbeat_timeout,omitempty"`
	// DisconnectGrace overrides im.disconnect_grace for this provider.
	DisconnectGrace string `json:"disconnect_grace,omitempty"`
	CommandPrefix   string `json:"command_prefix,omitempty"`

	Params map[string]string `json:"params,omitempty"`
}

// InboundConfig controls what happens to non-command messages.
type InboundConfig struct {
	ForwardURL     string `json:"forward_url,omitempty"`
	ForwardTimeout string `json:"forward_timeout,omitempty"`
}

// AffinityConfig selects the user -> provider cache.
//
// Example:
//
//	"affinity": { "driver": "redis", "redis_url": "redis://localhost:6379/0", "ttl": "720h" }
type AffinityConfig struct {
	Driver   string `json:"driver,omitempty"` // memory | redis
	RedisURL string `json:"redis_url,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

// HTTPConfig controls the HTTP API.
type HTTPConfig struct {
	Enabled      bool        `json:"enabled"`
	Addr         string      `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	ReadTimeout  string      `json:"read_timeout,omitempty"`
	WriteTimeout string      `json:"write_timeout,omitempty"`
	WebhookPaths []string    `json:"webhook_paths,omitempty"`
	CORS         CORSConfig  `json:"cors"`
	Pprof        PprofConfig `json:"pprof"`
}

// PprofConfig mounts net/http/pprof under /debug/pprof/. A non-empty token
// is required as a Bearer header or ?token= query parameter.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

type CORSConfig struct {
	Enabled      bool     `json:"enabled"`
	AllowOrigins []string `json:"allow_origins,omitempty"`
}

// NotifierConfig controls the async alert pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig controls the delivery journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./deliveries.jsonl" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxEntries  int    `json:"max_entries,omitempty"`
}

// ReportConfig schedules a connection digest.
type ReportConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "0 9 * * *"
	Timezone string `json:"timezone,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}
