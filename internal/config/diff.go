package config

import (
	"reflect"
	"sort"
	"strings"

	logx "deferq/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) structured attrs safe for logging (tokens are reported as set/unset),
// and (3) the names of functions whose overrides changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ob, nb := oldCfg.Backend, newCfg.Backend
	if ob.Mode != nb.Mode || ob.Endpoint != nb.Endpoint || ob.Token != nb.Token ||
		ob.RatePerSec != nb.RatePerSec || ob.Timeout != nb.Timeout {
		changed = append(changed, "backend")
		attrs = append(attrs,
			logx.String("backend.mode", newCfg.ResolvedMode()),
			logx.String("backend.endpoint", nb.Endpoint),
			logx.Bool("backend.token_set", strings.TrimSpace(nb.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.auto_start", newCfg.Scheduler.AutoStartEnabled()),
			logx.Duration("scheduler.tick_interval", newCfg.Scheduler.Tick()),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	fnChanged := diffFunctions(oldCfg.Functions, newCfg.Functions)
	if len(fnChanged) > 0 {
		changed = append(changed, "functions")
		attrs = append(attrs, logx.Int("functions.changed_count", len(fnChanged)))
	}

	var oStore, nStore StorageConfig
	if oldCfg.Storage != nil {
		oStore = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nStore = *newCfg.Storage
	}
	nDriver, nPath, nBusy := strings.TrimSpace(nStore.Driver), strings.TrimSpace(nStore.Path), strings.TrimSpace(nStore.BusyTimeout)
	if oStore != nStore {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", newCfg.Debug.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs, fnChanged
}

func diffFunctions(oldFns, newFns map[string]FunctionConfig) []string {
	seen := make(map[string]struct{}, len(oldFns)+len(newFns))
	var out []string
	for name, o := range oldFns {
		seen[name] = struct{}{}
		if n, ok := newFns[name]; !ok || n != o {
			out = append(out, name)
		}
	}
	for name := range newFns {
		if _, ok := seen[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
