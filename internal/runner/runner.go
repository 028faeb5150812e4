// Package runner executes one scheduling invocation end to end:
// resolve the slot, load due posts, reconcile, apply quotas, publish and
// commit, then advance the watermark.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	"postpilot/internal/history"
	"postpilot/internal/publisher"
	"postpilot/internal/ratelimit"
	"postpilot/internal/reconcile"
	"postpilot/internal/slot"
	"postpilot/internal/storage"
	"postpilot/internal/transition"
	logx "postpilot/pkg/logx"
)

const DefaultClaimTTL = 10 * time.Minute

type Config struct {
	// ClaimTTL bounds how long a crashed run can keep a post away from others.
	ClaimTTL time.Duration
	// DryRun publishes through the configured API but writes no state.
	DryRun bool
}

type Deps struct {
	Store       storage.Store
	History     *history.Log
	Slots       *slot.Resolver
	Reconciler  *reconcile.Reconciler
	Limits      ratelimit.Config
	Pacer       *ratelimit.Pacer
	Publisher   *publisher.Publisher
	Transitions *transition.Manager
	Bus         eventbus.Bus
	Log         logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Runner struct {
	cfg Config
	d   Deps
}

// Report summarizes one invocation.
type Report struct {
	RunID  string
	Now    time.Time
	Active bool
	Tick   time.Time
	Start  time.Time
	End    time.Time

	Due          int
	Reconciled   int
	Held         int
	Deferred     int
	ClaimLost    int
	Published    []string
	Failed       []string
	PostedToday  int
	DayExhausted bool
	RemoteErr    error

	Watermark time.Time
}

func New(cfg Config, d Deps) (*Runner, error) {
	switch {
	case d.Store == nil:
		return nil, fmt.Errorf("runner: store is required")
	case d.History == nil:
		return nil, fmt.Errorf("runner: history is required")
	case d.Slots == nil:
		return nil, fmt.Errorf("runner: slot resolver is required")
	case d.Reconciler == nil:
		return nil, fmt.Errorf("runner: reconciler is required")
	case d.Publisher == nil:
		return nil, fmt.Errorf("runner: publisher is required")
	case d.Transitions == nil:
		return nil, fmt.Errorf("runner: transition manager is required")
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if d.Pacer == nil {
		d.Pacer = ratelimit.NewPacer(0)
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Runner{cfg: cfg, d: d}, nil
}

// Run performs one invocation. Per-post failures are reported, not returned;
// an error means the run could not read its inputs and published nothing
// further.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	rep := Report{RunID: uuid.NewString(), Now: r.d.Now()}
	log := r.d.Log.With(logx.String("run", rep.RunID))
	if r.cfg.DryRun {
		log = log.With(logx.Bool("dry_run", true))
	}

	wm, _, err := r.d.Store.Watermark(ctx)
	if err != nil {
		return rep, r.fail(rep, fmt.Errorf("read watermark: %w", err))
	}
	res, ok := r.d.Slots.Resolve(rep.Now, wm)
	if !ok {
		log.Info("no active slot", logx.Time("now", rep.Now))
		return rep, nil
	}
	rep.Active, rep.Tick, rep.Start, rep.End = true, res.Tick, res.Start, res.End
	log = log.With(logx.Time("tick", res.Tick))

	due, err := r.d.Store.Due(ctx, rep.Now, res.Start, res.End)
	if err != nil {
		return rep, r.fail(rep, fmt.Errorf("load due posts: %w", err))
	}
	rep.Due = len(due)
	log.Debug("due window",
		logx.Time("start", res.Start),
		logx.Time("end", res.End),
		logx.Int("due", len(due)),
	)

	if len(due) > 0 {
		if err := r.process(ctx, log, due, &rep); err != nil {
			return rep, r.fail(rep, err)
		}
	}

	if !r.cfg.DryRun {
		next, err := r.nextWatermark(ctx, res)
		if err != nil {
			log.Warn("watermark not advanced", logx.Err(err))
		} else if err := r.d.Store.SetWatermark(ctx, next); err != nil {
			log.Warn("watermark not advanced", logx.Err(err))
		} else {
			rep.Watermark = next
		}
	}

	log.Info("run complete",
		logx.Int("due", rep.Due),
		logx.Int("published", len(rep.Published)),
		logx.Int("failed", len(rep.Failed)),
		logx.Int("reconciled", rep.Reconciled),
		logx.Int("deferred", rep.Deferred),
		logx.Int("held", rep.Held),
		logx.Int("posted_today", rep.PostedToday),
	)
	r.d.Bus.Publish(eventbus.Event{
		Type:   eventbus.RunCompleted,
		Detail: fmt.Sprintf("published %d, failed %d", len(rep.Published), len(rep.Failed)),
		Data:   rep,
	})
	return rep, nil
}

func (r *Runner) process(ctx context.Context, log logx.Logger, due []domain.Post, rep *Report) error {
	rc, err := r.d.Reconciler.Check(ctx, due)
	if err != nil {
		return err
	}
	rep.Held = len(rc.Held)
	rep.RemoteErr = rc.RemoteErr

	for _, v := range rc.Duplicates {
		if r.cfg.DryRun {
			log.Info("would reconcile duplicate", logx.String("id", v.Post.ID), logx.String("layer", string(v.Layer)))
			rep.Reconciled++
			continue
		}
		if err := r.d.Transitions.Reconcile(ctx, v); err != nil {
			log.Error("reconcile commit failed", logx.String("id", v.Post.ID), logx.Err(err))
			continue
		}
		rep.Reconciled++
	}

	dayStart, dayEnd := r.d.Slots.Day(rep.Now)
	rep.PostedToday = r.d.History.CountPostedBetween(dayStart, dayEnd)
	plan := r.d.Limits.Plan(rc.Fresh, rep.PostedToday)
	rep.Deferred = len(plan.Deferred)
	rep.DayExhausted = plan.DayExhausted
	if plan.DayExhausted && len(rc.Fresh) > 0 {
		log.Info("daily ceiling reached", logx.Int("posted_today", rep.PostedToday), logx.Int("max", r.d.Limits.MaxPerDay))
	}

	for _, p := range plan.Attempt {
		// Dry runs reach no platform, so there is nothing to pace.
		if !r.cfg.DryRun {
			if waited := r.d.Pacer.Wait(); waited > 0 {
				log.Debug("paced", logx.Duration("waited", waited))
			}
		}
		r.attempt(ctx, log, p, rep)
	}
	return nil
}

func (r *Runner) attempt(ctx context.Context, log logx.Logger, p domain.Post, rep *Report) {
	log = log.With(logx.String("id", p.ID))

	if r.cfg.DryRun {
		a := r.d.Publisher.Publish(ctx, p)
		if a.Succeeded() {
			rep.Published = append(rep.Published, p.ID)
		} else {
			rep.Failed = append(rep.Failed, p.ID)
		}
		return
	}

	now := r.d.Now()
	claimed, err := r.d.Store.Claim(ctx, p.ID, rep.RunID, now, now.Add(r.cfg.ClaimTTL))
	if err != nil {
		log.Error("claim failed", logx.Err(err))
		rep.ClaimLost++
		return
	}
	if !claimed {
		log.Info("post taken by another run")
		rep.ClaimLost++
		return
	}

	// The history file may have grown while this run was reconciling.
	if err := r.d.History.Reload(); err != nil {
		log.Warn("history reload failed", logx.Err(err))
	}
	if rec, ok := r.d.History.Lookup(p.ID); ok {
		_ = r.d.Store.Release(ctx, p.ID, rep.RunID)
		v := reconcile.Verdict{Post: p, Layer: reconcile.LayerHistory, PublishedID: rec.PublishedID, PostedAt: rec.PostedAt}
		if err := r.d.Transitions.Reconcile(ctx, v); err != nil {
			log.Error("reconcile commit failed", logx.Err(err))
			return
		}
		rep.Reconciled++
		return
	}

	a := r.d.Publisher.Publish(ctx, p)
	if a.Succeeded() {
		r.d.Pacer.Published()
		rep.Published = append(rep.Published, p.ID)
	} else {
		rep.Failed = append(rep.Failed, p.ID)
	}
	if err := r.d.Transitions.Commit(ctx, p, a); err != nil {
		// The next run reconciles a lost success through the remote check.
		log.Error("commit failed", logx.String("outcome", string(a.Outcome)), logx.Err(err))
		_ = r.d.Store.Release(ctx, p.ID, rep.RunID)
	}
}

// nextWatermark is the window end, pulled back to just before the earliest
// post in the window that is still pending (deferred, held or claimed
// elsewhere) so the next window includes it.
func (r *Runner) nextWatermark(ctx context.Context, res slot.Resolution) (time.Time, error) {
	left, err := r.d.Store.List(ctx, storage.Filter{
		Status: domain.StatusPending,
		From:   res.Start.Truncate(time.Millisecond).Add(time.Millisecond),
		To:     res.End.Truncate(time.Millisecond).Add(time.Millisecond),
		Limit:  1,
	})
	if err != nil {
		return time.Time{}, err
	}
	if len(left) == 0 {
		return res.End, nil
	}
	return left[0].ScheduledAt.Add(-time.Millisecond), nil
}

func (r *Runner) fail(rep Report, err error) error {
	r.d.Bus.Publish(eventbus.Event{Type: eventbus.RunFailed, Detail: err.Error(), Data: rep})
	return err
}
