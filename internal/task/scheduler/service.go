package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "postpilot/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// runCtx is cancelled by Stop; in-flight jobs see it through their ctx.
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New returns a stopped scheduler evaluating specs in loc (nil means Local).
func New(loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log: log,
		loc: loc,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// SetLocation switches the evaluation zone, restarting triggers if running.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc.String() == loc.String() {
		return
	}
	s.loc = loc
	if s.c != nil {
		s.restartLocked()
	}
}

// Start begins triggering registered schedules. ctx is the parent of every
// job context.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// startCronLocked builds a cron for the current zone and registers every
// schedule with it.
func (s *Service) startCronLocked() {
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{s.log}),
	)
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop halts triggering, cancels in-flight jobs and waits for them until ctx
// is done.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs in flight")
		return ctx.Err()
	}
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.startCronLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// fire runs d.job unless its previous run is still going.
func (s *Service) fire(d *scheduleDef) error {
	if !d.state.tryAcquire() {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", d.name), logx.Err(ErrOverlapSkip))
		return ErrOverlapSkip
	}
	s.mu.Lock()
	parent := s.runCtx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := parent, context.CancelFunc(func() {})
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, d.timeout)
	}
	defer cancel()

	start := time.Now()
	err := runJob(ctx, d.job)
	d.state.release(err, time.Now())

	fields := []logx.Field{logx.String("schedule", d.name), logx.Duration("took", time.Since(start))}
	switch {
	case err == nil:
		s.log.Debug("schedule run finished", fields...)
	case errors.Is(err, context.Canceled):
		s.log.Info("schedule run cancelled", fields...)
	default:
		s.log.Warn("schedule run failed", append(fields, logx.Err(err))...)
	}
	return err
}

// runJob turns a panic into an error so one bad run does not kill the trigger.
func runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return job(ctx)
}

type PanicError struct{ Value any }

func (e *PanicError) Error() string { return "job panicked: " + fmtAny(e.Value) }

// cronLogger routes robfig/cron's own diagnostics through logx. cron logs
// every wake-up at Info, so those are demoted to Debug.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	if l.log.Enabled(logx.LevelDebug) {
		l.log.Debug("cron: "+msg, kvFields(kv)...)
	}
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmtAny(kv[i]), kv[i+1]))
	}
	return out
}
