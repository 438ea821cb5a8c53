package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"deferq/internal/app"
	"deferq/internal/config"
	"deferq/pkg/deferq"
	logx "deferq/pkg/logx"
	"deferq/pkg/systemd"
)

const devStopTimeout = 15 * time.Second

var DevCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run the local scheduler with the demo functions",
	Long: `Start the local backend, the cron triggers, the optional execution journal
and the debug server described by --config. The config file is watched and
reloaded on change. SIGINT or SIGTERM stops the process gracefully.

Demo functions:
  echo   returns its string argument
  sleep  sleeps for the given number of milliseconds
  fail   always fails with its argument as the message`,
	RunE: runDev,
}

func init() {
	DevCmd.Flags().String("heartbeat", "", "cron spec or duration for a heartbeat function (empty disables)")
	DevCmd.Flags().Bool("seed", false, "enqueue one execution of each demo function on start")
}

type demoFuncs struct {
	echo  *deferq.Func[string, string]
	sleep *deferq.Func[int, string]
	fail  *deferq.Func[string, struct{}]
}

func registerDemo(c *deferq.Client) demoFuncs {
	return demoFuncs{
		echo: deferq.Defer(c, "echo", func(_ context.Context, s string) (string, error) {
			return s, nil
		}),
		sleep: deferq.Defer(c, "sleep", func(ctx context.Context, ms int) (string, error) {
			d := time.Duration(ms) * time.Millisecond
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return "slept " + d.String(), nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}, deferq.Concurrency(2)),
		fail: deferq.Defer(c, "fail", func(_ context.Context, msg string) (struct{}, error) {
			if msg == "" {
				msg = "demo failure"
			}
			return struct{}{}, errors.New(msg)
		}),
	}
}

func runDev(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	heartbeat, _ := cmd.Flags().GetString("heartbeat")
	seed, _ := cmd.Flags().GetBool("seed")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(cfgPath, config.LoadEnv(nil), app.WithBannerOutput(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	log := a.Logger().With(logx.String("component", "dev"))

	demo := registerDemo(a.Client())
	if heartbeat != "" {
		if _, err := deferq.Schedule(a.Client(), "heartbeat", heartbeat, func(context.Context) error {
			log.Info("heartbeat")
			return nil
		}); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return err
	}

	if seed {
		seedDemo(ctx, demo, log)
	}

	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	}
	if every := systemd.WatchdogInterval(); every > 0 {
		go watchdog(ctx, every)
	}
	if addr := a.DebugAddr(); addr != "" {
		_, _ = systemd.Status("serving debug on %s", addr)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), devStopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
	}
	return stopErr
}

func seedDemo(ctx context.Context, demo demoFuncs, log logx.Logger) {
	if _, err := demo.echo.Enqueue(ctx, "hello"); err != nil {
		log.Warn("seed echo failed", logx.Err(err))
	}
	if _, err := demo.sleep.Enqueue(ctx, 500, deferq.Delay(time.Second)); err != nil {
		log.Warn("seed sleep failed", logx.Err(err))
	}
	if _, err := demo.fail.Enqueue(ctx, "seeded failure"); err != nil {
		log.Warn("seed fail failed", logx.Err(err))
	}
}

func watchdog(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = systemd.Watchdog()
		}
	}
}
