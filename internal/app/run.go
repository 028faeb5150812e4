package app

import (
	"context"

	"postpilot/internal/config"
	"postpilot/internal/runner"
	logx "postpilot/pkg/logx"
)

// RunOnce performs a single invocation with the current config. Notifications
// queued by the run are delivered before it returns.
func (a *App) RunOnce(ctx context.Context) (runner.Report, error) {
	cfg, set := a.current()
	var rep runner.Report
	err := a.withNotifier(ctx, cfg, set, func() error {
		var err error
		rep, err = a.invoke(ctx, cfg, set)
		return err
	})
	return rep, err
}

// invoke opens state, runs the engine once and closes state again, so each
// invocation sees what other processes wrote in between.
func (a *App) invoke(ctx context.Context, cfg *config.Config, set config.Settings) (runner.Report, error) {
	api, err := a.platform(cfg, set)
	if err != nil {
		return runner.Report{}, err
	}
	store, err := a.openStore(set)
	if err != nil {
		return runner.Report{}, err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			a.log.Warn("store close failed", logx.Err(cerr))
		}
	}()
	hist, err := a.openHistory(set)
	if err != nil {
		return runner.Report{}, err
	}
	r, err := a.newRunner(cfg, set, store, hist, api)
	if err != nil {
		return runner.Report{}, err
	}
	return r.Run(ctx)
}
