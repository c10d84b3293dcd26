package config

import (
	"reflect"
	"sort"
	"strings"

	logx "imgateway/pkg/logx"
)

// LiveSections are applied without a restart.
var LiveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets (tokens, app secrets, signing secrets, redis
// URLs) are reported only as "_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.IM, newCfg.IM) {
		changed = append(changed, "im")
		attrs = append(attrs,
			logx.Bool("im.enabled", newCfg.IM.Enabled),
			logx.Int("im.provider_count", len(newCfg.IM.Providers)),
			logx.String("im.providers_changed", strings.Join(diffProviders(oldCfg.IM.Providers, newCfg.IM.Providers), ",")),
		)
	}

	if !reflect.DeepEqual(oldCfg.Affinity, newCfg.Affinity) {
		changed = append(changed, "affinity")
		attrs = append(attrs,
			logx.String("affinity.driver", strings.TrimSpace(newCfg.Affinity.Driver)),
			logx.Bool("affinity.redis_url_set", strings.TrimSpace(newCfg.Affinity.RedisURL) != ""),
			logx.String("affinity.ttl", strings.TrimSpace(newCfg.Affinity.TTL)),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	// A nil notifier means runtime defaults.
	defN := &NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	// A nil storage section means the journal is off.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Report != newCfg.Report {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.schedule", newCfg.Report.Schedule),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that are not applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// diffProviders names providers that were added, removed or edited.
func diffProviders(oldP, newP []ProviderConfig) []string {
	index := func(ps []ProviderConfig) map[string]ProviderConfig {
		m := make(map[string]ProviderConfig, len(ps))
		for _, p := range ps {
			m[strings.ToLower(strings.TrimSpace(p.Provider))] = p
		}
		return m
	}
	o, n := index(oldP), index(newP)
	var out []string
	for name, np := range n {
		if op, ok := o[name]; !ok || !reflect.DeepEqual(op, np) {
			out = append(out, name)
		}
	}
	for name := range o {
		if _, ok := n[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
