package config

import (
	"strings"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Backend   BackendConfig   `json:"backend"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Functions overrides per-function settings by function name.
	Functions map[string]FunctionConfig `json:"functions,omitempty"`

	// Storage enables the execution audit journal. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`
	Debug   DebugConfig    `json:"debug"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	Format  string        `json:"format,omitempty"` // console|json
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

const (
	ModeAuto   = "auto"
	ModeLocal  = "local"
	ModeRemote = "remote"
)

type BackendConfig struct {
	// Mode is auto, local or remote. Auto picks remote when a token is set.
	Mode     string `json:"mode,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Token    string `json:"token,omitempty"`

	RatePerSec int `json:"rate_per_sec,omitempty"`
	// Timeout is a Go duration string applied to every API call.
	Timeout string `json:"timeout,omitempty"`
}

// SchedulerConfig controls the local dispatch loop and cron triggers.
//
// AutoStart and Banner are pointers so an omitted value can default to true.
type SchedulerConfig struct {
	AutoStart    *bool  `json:"auto_start,omitempty"`
	TickInterval string `json:"tick_interval,omitempty"`
	Banner       *bool  `json:"banner,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

type FunctionConfig struct {
	Concurrency int `json:"concurrency"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // none|file|sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Retention prunes journal entries older than this (sqlite only).
	Retention string `json:"retention,omitempty"`
}

// DebugConfig controls the HTTP debug server (/metrics, /debug/pprof,
// /executions, /healthz). Non-loopback addresses require Token unless
// AllowInsecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

const (
	DefaultTickInterval = 10 * time.Millisecond
	DefaultDebugAddr    = "127.0.0.1:6060"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Backend: BackendConfig{Mode: ModeAuto},
		Debug:   DebugConfig{Addr: DefaultDebugAddr},
	}
}

// ResolvedMode returns local or remote.
func (c *Config) ResolvedMode() string {
	switch strings.ToLower(strings.TrimSpace(c.Backend.Mode)) {
	case ModeLocal:
		return ModeLocal
	case ModeRemote:
		return ModeRemote
	default:
		if strings.TrimSpace(c.Backend.Token) != "" {
			return ModeRemote
		}
		return ModeLocal
	}
}

func (s SchedulerConfig) AutoStartEnabled() bool { return s.AutoStart == nil || *s.AutoStart }

func (s SchedulerConfig) BannerEnabled() bool { return s.Banner == nil || *s.Banner }

func (s SchedulerConfig) Tick() time.Duration {
	d, err := DurationOr("scheduler.tick_interval", s.TickInterval, DefaultTickInterval)
	if err != nil {
		return DefaultTickInterval
	}
	return d
}

// Concurrency returns the configured limits keyed by function name.
func (c *Config) Concurrency() map[string]int {
	out := make(map[string]int, len(c.Functions))
	for name, f := range c.Functions {
		out[name] = f.Concurrency
	}
	return out
}

func boolPtr(v bool) *bool { return &v }
