// Package cronx turns cron-scheduled functions into one-shot enqueues.
//
// Each trigger owns no execution logic: when its schedule fires it enqueues
// the function (with no arguments) on the configured backend, which then
// dispatches it like any other execution.
package cronx

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"deferq/pkg/backend"
	logx "deferq/pkg/logx"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, fn *backend.Function, args any, opts backend.EnqueueOptions) (backend.Execution, error)
}

type trigger struct {
	fn      *backend.Function
	spec    string
	entryID cron.EntryID
	fired   uint64
	lastErr string
}

type Triggers struct {
	mu       sync.Mutex
	log      logx.Logger
	enqueuer Enqueuer
	parser   cron.Parser
	timezone string
	loc      *time.Location
	c        *cron.Cron
	defs     map[string]*trigger
}

func New(enqueuer Enqueuer, timezone string, log logx.Logger) *Triggers {
	t := &Triggers{
		log:      log.With(logx.String("component", "cron")),
		enqueuer: enqueuer,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timezone: strings.TrimSpace(timezone),
		defs:     map[string]*trigger{},
	}
	t.loc = t.loadLocation()
	return t
}

// Normalize accepts a cron expression or a Go duration ("15m" becomes
// "@every 15m") and returns the cron form.
func Normalize(spec string) (string, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return s, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *' or duration like '55m')", spec)
	}
	if d <= 0 {
		return "", fmt.Errorf("interval must be > 0")
	}
	return "@every " + d.String(), nil
}

// Add registers fn under fn.Name using fn.Cron. Adding a name twice replaces
// the previous trigger.
func (t *Triggers) Add(fn *backend.Function) error {
	if fn == nil || fn.Name == "" {
		return fmt.Errorf("function name required")
	}
	spec, err := Normalize(fn.Cron)
	if err != nil {
		return err
	}
	if _, err := t.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron %q: %w", spec, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if old := t.defs[fn.Name]; old != nil && t.c != nil {
		t.c.Remove(old.entryID)
	}
	d := &trigger{fn: fn, spec: spec}
	t.defs[fn.Name] = d
	if t.c != nil {
		return t.addLocked(d)
	}
	return nil
}

func (t *Triggers) Remove(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.defs[name]
	if d == nil {
		return false
	}
	if t.c != nil {
		t.c.Remove(d.entryID)
	}
	delete(t.defs, name)
	return true
}

func (t *Triggers) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return
	}
	t.startLocked()
	t.log.Info("cron triggers started", logx.String("tz", t.loc.String()), logx.Int("schedules", len(t.defs)))
}

func (t *Triggers) Stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	t.log.Info("cron triggers stopped")
}

// Apply switches the timezone, restarting the cron runner if it is running.
func (t *Triggers) Apply(timezone string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	timezone = strings.TrimSpace(timezone)
	if timezone == t.timezone {
		return
	}
	t.timezone = timezone
	t.loc = t.loadLocation()
	if t.c == nil {
		return
	}
	<-t.c.Stop().Done()
	t.startLocked()
	t.log.Info("cron triggers restarted", logx.String("tz", t.loc.String()))
}

// Fire enqueues name immediately, as if its schedule had fired.
func (t *Triggers) Fire(ctx context.Context, name string) (backend.Execution, error) {
	t.mu.Lock()
	d := t.defs[name]
	t.mu.Unlock()
	if d == nil {
		return backend.Execution{}, fmt.Errorf("unknown trigger %q", name)
	}
	return t.fire(ctx, d)
}

func (t *Triggers) fire(ctx context.Context, d *trigger) (backend.Execution, error) {
	e, err := t.enqueuer.Enqueue(ctx, d.fn, nil, backend.EnqueueOptions{
		Metadata: map[string]string{"trigger": "cron", "cron": d.spec},
	})
	t.mu.Lock()
	d.fired++
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	t.mu.Unlock()
	if err != nil {
		t.log.Warn("cron enqueue failed", logx.String("function", d.fn.Name), logx.Err(err))
		return e, err
	}
	t.log.Debug("cron enqueued", logx.String("function", d.fn.Name), logx.String("id", e.ID))
	return e, nil
}

func (t *Triggers) startLocked() {
	t.c = cron.New(cron.WithParser(t.parser), cron.WithLocation(t.loc))
	for _, d := range t.defs {
		if err := t.addLocked(d); err != nil {
			t.log.Warn("cron register failed", logx.String("function", d.fn.Name), logx.Err(err))
		}
	}
	t.c.Start()
}

func (t *Triggers) addLocked(d *trigger) error {
	id, err := t.c.AddFunc(d.spec, func() {
		_, _ = t.fire(context.Background(), d)
	})
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (t *Triggers) loadLocation() *time.Location {
	if t.timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(t.timezone)
	if err != nil {
		t.log.Warn("invalid timezone; falling back to Local", logx.String("tz", t.timezone), logx.Err(err))
		return time.Local
	}
	return loc
}

type Entry struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	Fired   uint64    `json:"fired"`
	LastErr string    `json:"last_err,omitempty"`
}

// Entries lists triggers with their next run time computed from now.
func (t *Triggers) Entries(now time.Time) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.defs))
	for name, d := range t.defs {
		e := Entry{Name: name, Spec: d.spec, Fired: d.fired, LastErr: d.lastErr}
		if sched, err := t.parser.Parse(d.spec); err == nil {
			e.Next = sched.Next(now.In(t.loc))
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
