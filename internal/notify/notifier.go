package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	"postpilot/internal/runner"
	logx "postpilot/pkg/logx"
)

// Notifier turns bus events into chat messages.
type Notifier struct {
	sink    logx.Sink
	allow   map[eventbus.Type]bool
	loc     *time.Location
	timeout time.Duration
	log     logx.Logger
}

type Config struct {
	// Events limits forwarding to these types. Empty forwards everything
	// except quiet run summaries.
	Events   []string
	Location *time.Location
	// Timeout bounds each send.
	Timeout time.Duration
}

func New(sink logx.Sink, cfg Config, log logx.Logger) *Notifier {
	n := &Notifier{sink: sink, loc: cfg.Location, timeout: cfg.Timeout, log: log}
	if n.loc == nil {
		n.loc = time.Local
	}
	if n.timeout <= 0 {
		n.timeout = 15 * time.Second
	}
	if n.log.IsZero() {
		n.log = logx.Nop()
	}
	if len(cfg.Events) > 0 {
		n.allow = map[eventbus.Type]bool{}
		for _, e := range cfg.Events {
			n.allow[eventbus.Type(strings.TrimSpace(e))] = true
		}
	}
	return n
}

// Run forwards events from ch until it is closed. Events still buffered
// when the subscription ends are delivered before Run returns.
func (n *Notifier) Run(ctx context.Context, ch <-chan eventbus.Event) {
	for e := range ch {
		text, ok := n.Format(e)
		if !ok {
			continue
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		err := n.sink.Notify(sctx, text)
		cancel()
		if err != nil {
			n.log.Warn("notification failed", logx.String("event", string(e.Type)), logx.Err(err))
		}
	}
}

// Format renders e, reporting false for events that should not be sent.
func (n *Notifier) Format(e eventbus.Event) (string, bool) {
	if n.allow != nil && !n.allow[e.Type] {
		return "", false
	}
	switch e.Type {
	case eventbus.PostPublished:
		var b strings.Builder
		fmt.Fprintf(&b, "✅ published %s", e.PostID)
		if a, ok := e.Data.(domain.Attempt); ok && a.PlatformID != "" {
			fmt.Fprintf(&b, " (%s)", a.PlatformID)
		}
		if e.Detail != "" {
			fmt.Fprintf(&b, "\n%s", e.Detail)
		}
		return b.String(), true
	case eventbus.PostFailed:
		kind := ""
		if a, ok := e.Data.(domain.Attempt); ok {
			kind = string(a.FailureKind()) + " "
		}
		return fmt.Sprintf("❌ %sfailure for %s\n%s", kind, e.PostID, e.Detail), true
	case eventbus.FollowupFailed:
		return fmt.Sprintf("⚠️ followup for %s failed\n%s", e.PostID, e.Detail), true
	case eventbus.PostReconciled:
		return fmt.Sprintf("🔁 %s was already published (%s check)", e.PostID, e.Detail), true
	case eventbus.RunFailed:
		return fmt.Sprintf("🛑 run failed: %s", e.Detail), true
	case eventbus.ConfigReloaded:
		return fmt.Sprintf("⚙️ config reloaded: %s", e.Detail), true
	case eventbus.RunCompleted:
		rep, ok := e.Data.(runner.Report)
		if !ok {
			return "", false
		}
		// Nothing happened: only send when explicitly asked for.
		quiet := len(rep.Published) == 0 && len(rep.Failed) == 0 && rep.Reconciled == 0 && rep.Held == 0
		if quiet && n.allow == nil {
			return "", false
		}
		return n.summary(rep), true
	default:
		return "", false
	}
}

func (n *Notifier) summary(rep runner.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 run %s", rep.Now.In(n.loc).Format("2006-01-02 15:04"))
	if rep.Active {
		fmt.Fprintf(&b, " (slot %s)", rep.Tick.In(n.loc).Format("15:04"))
	}
	fmt.Fprintf(&b, "\npublished %d, failed %d, reconciled %d", len(rep.Published), len(rep.Failed), rep.Reconciled)
	if rep.Deferred > 0 {
		fmt.Fprintf(&b, ", deferred %d", rep.Deferred)
	}
	if rep.Held > 0 {
		fmt.Fprintf(&b, ", held %d", rep.Held)
	}
	fmt.Fprintf(&b, "\ntoday %d", rep.PostedToday+len(rep.Published))
	if rep.DayExhausted {
		b.WriteString(" (daily ceiling reached)")
	}
	if rep.RemoteErr != nil {
		fmt.Fprintf(&b, "\nremote check: %v", rep.RemoteErr)
	}
	return b.String()
}
