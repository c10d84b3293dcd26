package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"imgateway/internal/affinity"
	"imgateway/internal/im"
	"imgateway/internal/im/connection"
	"imgateway/internal/inbound"
	"imgateway/internal/notifier"
	"imgateway/internal/report"
	"imgateway/internal/storage"
	logx "imgateway/pkg/logx"
)

const (
	DefaultHTTPAddr       = "127.0.0.1:8080"
	DefaultSendTimeout    = 10 * time.Second
	DefaultForwardTimeout = 10 * time.Second
)

// ParseDurationField parses a Go duration string at path. Blank means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for blank or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Logx maps the logging section onto the logger's config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled:    c.File.Enabled,
			Path:       c.File.Path,
			MaxSizeMB:  c.File.MaxSizeMB,
			MaxBackups: c.File.MaxBackups,
			MaxAgeDays: c.File.MaxAgeDays,
			Compress:   c.File.Compress,
		},
		Sink: logx.SinkConfig{
			Enabled:    c.Alert.Enabled,
			MinLevel:   c.Alert.MinLevel,
			RatePerSec: c.Alert.RatePerSec,
		},
	}
}

// ProviderConfigs converts im.providers in file order. When im.enabled is
// false every provider comes back disabled.
func (c IMConfig) ProviderConfigs() ([]im.ProviderConfig, error) {
	out := make([]im.ProviderConfig, 0, len(c.Providers))
	var errs *multierror.Error
	for i, raw := range c.Providers {
		path := fmt.Sprintf("im.providers[%d]", i)
		p, err := im.ParseProvider(raw.Provider)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s.provider: %w", path, err))
			continue
		}
		hb, err := ParseDurationField(path+".heartbeat_timeout", raw.HeartbeatTimeout)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		grace, err := ParseDurationField(path+".disconnect_grace", raw.DisconnectGrace)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		pc := im.ProviderConfig{
			Provider:          p,
			Enabled:           c.Enabled && raw.Enabled,
			WebhookURL:        strings.TrimSpace(raw.WebhookURL),
			Secret:            raw.Secret,
			BotToken:          strings.TrimSpace(raw.BotToken),
			AppID:             strings.TrimSpace(raw.AppID),
			AppSecret:         raw.AppSecret,
			VerificationToken: raw.VerificationToken,
			EncryptKey:        raw.EncryptKey,
			ProxyURL:          strings.TrimSpace(raw.ProxyURL),
			BypassProxy:       raw.BypassProxy,
			HeartbeatTimeout:  hb,
			DisconnectGrace:   grace,
			CommandPrefix:     raw.CommandPrefix,
			Params:            raw.Params,
		}
		// Missing credentials only disable the provider; see Incomplete.
		if pc.Enabled && pc.Validate() != nil {
			pc.Enabled = false
		}
		out = append(out, pc)
	}
	return out, errs.ErrorOrNil()
}

// Incomplete lists the enabled providers that lack credentials. ProviderConfigs
// resolves them as disabled so the rest of the gateway still starts.
func (c IMConfig) Incomplete() []error {
	if !c.Enabled {
		return nil
	}
	var out []error
	for _, raw := range c.Providers {
		p, err := im.ParseProvider(raw.Provider)
		if err != nil || !raw.Enabled {
			continue
		}
		pc := im.ProviderConfig{
			Provider:   p,
			Enabled:    true,
			WebhookURL: strings.TrimSpace(raw.WebhookURL),
			BotToken:   strings.TrimSpace(raw.BotToken),
			AppID:      strings.TrimSpace(raw.AppID),
			AppSecret:  raw.AppSecret,
		}
		if err := pc.Validate(); err != nil {
			out = append(out, err)
		}
	}
	return out
}

// Connection resolves the supervisor tuning. Zero values are left for the
// connection package to default.
func (c IMConfig) Connection() (connection.Config, error) {
	var (
		out  connection.Config
		errs *multierror.Error
		err  error
	)
	parse := func(dst *time.Duration, path, raw string) {
		if *dst, err = ParseDurationField(path, raw); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	parse(&out.DedupTTL, "im.dedup_ttl", c.DedupTTL)
	parse(&out.AlertCooldown, "im.alert_cooldown", c.AlertCooldown)
	parse(&out.DisconnectGrace, "im.disconnect_grace", c.DisconnectGrace)
	parse(&out.StartTimeout, "im.start_timeout", c.StartTimeout)
	parse(&out.HandlerTimeout, "im.handler_timeout", c.HandlerTimeout)
	out.DedupCapacity = c.DedupCapacity
	out.QueueSize = c.QueueSize
	out.Enabled = c.Enabled
	return out, errs.ErrorOrNil()
}

func (c AffinityConfig) Store() affinity.Config {
	return affinity.Config{Driver: c.Driver, RedisURL: c.RedisURL}
}

func (c AffinityConfig) TTLOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("affinity.ttl", c.TTL, affinity.DefaultTTL)
}

// Validate reports every problem found, not just the first.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs *multierror.Error

	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = multierror.Append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.Alert.Enabled && !logx.ValidLevel(cfg.Logging.Alert.MinLevel) {
		errs = multierror.Append(errs, fmt.Errorf("logging.alert.min_level: unknown level %q", cfg.Logging.Alert.MinLevel))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = multierror.Append(errs, fmt.Errorf("logging.file.path: required when file logging is enabled"))
	}

	providers, err := cfg.IM.ProviderConfigs()
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	seen := map[im.Provider]bool{}
	for _, p := range providers {
		if seen[p.Provider] {
			errs = multierror.Append(errs, fmt.Errorf("im.providers: %s listed twice", p.Provider))
		}
		seen[p.Provider] = true
		if p.ProxyURL != "" {
			if _, err := url.Parse(p.ProxyURL); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("im.providers[%s].proxy_url: %w", p.Provider, err))
			}
		}
	}
	if _, err := cfg.IM.Connection(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := cfg.IM.SendTimeoutOrDefault(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := cfg.IM.Inbound.Inbound(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if u := strings.TrimSpace(cfg.IM.Inbound.ForwardURL); u != "" {
		if pu, err := url.Parse(u); err != nil || (pu.Scheme != "http" && pu.Scheme != "https") {
			errs = multierror.Append(errs, fmt.Errorf("im.inbound.forward_url: must be an http(s) URL"))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Affinity.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Affinity.RedisURL) == "" {
			errs = multierror.Append(errs, fmt.Errorf("affinity.redis_url: required for the redis driver"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("affinity.driver: unknown driver %q", cfg.Affinity.Driver))
	}
	if _, err := cfg.Affinity.TTLOrDefault(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if _, err := ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, p := range cfg.HTTP.WebhookPaths {
		if !strings.HasPrefix(p, "/") {
			errs = multierror.Append(errs, fmt.Errorf("http.webhook_paths: %q must start with /", p))
		}
	}

	if cfg.Notifier != nil {
		if _, err := cfg.ResolveNotifier(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			errs = multierror.Append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := cfg.ResolveStorage(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := report.Validate(cfg.Report.Schedule, cfg.Report.Timezone); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// SendTimeoutOrDefault is the per-send timeout for webhooks and alerts.
func (c IMConfig) SendTimeoutOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("im.send_timeout", c.SendTimeout, DefaultSendTimeout)
}

// ResolveNotifier resolves the alert pipeline. A missing section enables it
// with defaults.
func (c *Config) ResolveNotifier() (notifier.Config, error) {
	send, err := c.IM.SendTimeoutOrDefault()
	if err != nil {
		// reported by Validate
		send = DefaultSendTimeout
	}
	n := c.Notifier
	if n == nil {
		return notifier.Config{Enabled: true, RetryMax: 3, DedupWindow: time.Minute, SendTimeout: send}, nil
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		SendTimeout:     send,
	}
	var errs *multierror.Error
	if out.RetryBase, err = ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		errs = multierror.Append(errs, err)
	}
	if out.RetryMaxDelay, err = ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		errs = multierror.Append(errs, err)
	}
	if out.DedupWindow, err = ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		errs = multierror.Append(errs, err)
	}
	return out, errs.ErrorOrNil()
}

// ResolveStorage resolves the delivery journal. A missing section disables it.
func (c *Config) ResolveStorage() (storage.Config, error) {
	s := c.Storage
	if s == nil {
		return storage.Config{}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: busy,
		MaxEntries:  s.MaxEntries,
	}, nil
}

func (c ReportConfig) Report() report.Config {
	return report.Config{
		Enabled:  c.Enabled,
		Schedule: strings.TrimSpace(c.Schedule),
		Timezone: strings.TrimSpace(c.Timezone),
		UserID:   strings.TrimSpace(c.UserID),
	}
}

// ListenAddr returns the listen address with its default applied.
func (c HTTPConfig) ListenAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}

func (c InboundConfig) Inbound() (inbound.Config, error) {
	d, err := ParseDurationOrDefault("im.inbound.forward_timeout", c.ForwardTimeout, DefaultForwardTimeout)
	if err != nil {
		return inbound.Config{}, err
	}
	return inbound.Config{ForwardURL: strings.TrimSpace(c.ForwardURL), ForwardTimeout: d}, nil
}
