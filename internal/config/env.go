package config

import (
	"os"
	"strings"
)

// Env holds the DEFER_* environment toggles. They are layered over the file
// configuration on every load.
type Env struct {
	Token            string
	Endpoint         string
	NoLocalScheduler bool
	NoBanner         bool
	Debug            bool
}

// LoadEnv reads the toggles through lookup (os.LookupEnv in production).
// Flags count as set when present, unless their value is "0" or "false".
func LoadEnv(lookup func(string) (string, bool)) Env {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}
	flag := func(k string) bool {
		v, ok := lookup(k)
		if !ok {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false":
			return false
		default:
			return true
		}
	}
	return Env{
		Token:            str("DEFER_TOKEN"),
		Endpoint:         str("DEFER_ENDPOINT"),
		NoLocalScheduler: flag("DEFER_NO_LOCAL_SCHEDULER"),
		NoBanner:         flag("DEFER_NO_BANNER"),
		Debug:            flag("DEFER_DEBUG"),
	}
}

func (e Env) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if e.Token != "" {
		cfg.Backend.Token = e.Token
	}
	if e.Endpoint != "" {
		cfg.Backend.Endpoint = e.Endpoint
	}
	if e.NoLocalScheduler {
		cfg.Scheduler.AutoStart = boolPtr(false)
	}
	if e.NoBanner {
		cfg.Scheduler.Banner = boolPtr(false)
	}
	if e.Debug {
		cfg.Logging.Level = "debug"
	}
}
