package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"postpilot/internal/config"
	"postpilot/internal/eventbus"
	"postpilot/internal/runtime/supervisor"
	"postpilot/internal/task/scheduler"
	logx "postpilot/pkg/logx"
)

const publishSchedule = "publish"

// Serve runs the engine on serve.spec until ctx is done. With serve.watch the
// config file is reloaded on change; schedule, limits and logging apply to the
// next invocation.
func (a *App) Serve(ctx context.Context) error {
	cfg, set := a.current()
	log := a.log.With(logx.String("comp", "serve"))

	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	sched := scheduler.New(set.Location, a.log.With(logx.String("comp", "scheduler")))
	if err := sched.AddSchedule(publishSchedule, set.ServeSpec, set.RunTimeout, a.scheduledRun); err != nil {
		return err
	}

	var unsubscribe func()
	if n := a.notifier(cfg, set); n != nil {
		var ch <-chan eventbus.Event
		ch, unsubscribe = a.bus.Subscribe(64)
		sup.Go("notify", func(ctx context.Context) error {
			n.Run(ctx, ch)
			return nil
		})
	}

	if cfg.Serve.Watch {
		sub := a.cfgm.Subscribe(4)
		sup.Go("config.watch", a.cfgm.Watch)
		sup.GoRestart("config.reload", func(ctx context.Context) error {
			return a.reloadLoop(ctx, sub, sched)
		}, supervisor.RestartPolicy{MaxRestarts: 5})
		defer a.cfgm.Unsubscribe(sub)
	}

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		sup.Go("systemd.watchdog", func(ctx context.Context) error {
			return watchdog(ctx, interval/2)
		})
	}

	sched.Start(sup.Context())
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		log.Debug("systemd notified ready")
	}
	log.Info("serving",
		logx.String("spec", set.ServeSpec),
		logx.String("tz", set.Location.String()),
		logx.Bool("watch", cfg.Serve.Watch),
		logx.Bool("dry_run", set.DryRun),
	)

	<-sup.Context().Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("stopping")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		log.Warn("scheduler stop incomplete", logx.Err(err))
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	err := sup.Stop(stopCtx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if n := eventbus.Dropped(a.bus); n > 0 {
		log.Warn("events dropped by slow listeners", logx.Int64("count", int64(n)))
	}
	return err
}

// scheduledRun is the serve job: one invocation with the config current at
// fire time.
func (a *App) scheduledRun(ctx context.Context) error {
	cfg, set := a.current()
	_, err := a.invoke(ctx, cfg, set)
	return err
}

// reloadLoop applies committed config reloads until sub closes or ctx ends.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config, sched *scheduler.Service) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts; only the newest file content matters.
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return nil
					}
					next = newer
				default:
					drained = true
				}
			}
			a.applyReload(next, sched)
		}
	}
}

func (a *App) applyReload(next *config.Config, sched *scheduler.Service) {
	prev, prevSet := a.current()
	set, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("config reload ignored", logx.Err(err))
		return
	}
	sections, fields := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.apply(next, set)
	a.logs.Apply(next.Logging.Logx())

	if set.Location.String() != prevSet.Location.String() {
		sched.SetLocation(set.Location)
	}
	if set.ServeSpec != prevSet.ServeSpec || set.RunTimeout != prevSet.RunTimeout {
		if err := sched.AddSchedule(publishSchedule, set.ServeSpec, set.RunTimeout, a.scheduledRun); err != nil {
			a.log.Error("serve schedule not updated", logx.Err(err))
		}
	}
	for _, s := range sections {
		if s == "telegram" {
			a.log.Warn("telegram changes apply after a restart")
		}
	}

	changed := strings.Join(sections, ",")
	a.log.Info("config applied", append([]logx.Field{logx.String("changed", changed)}, fields...)...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: a.now(), Detail: changed})
}

func watchdog(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
