package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	"postpilot/internal/runner"
	logx "postpilot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	opts []*tele.SendOptions
	to   []tele.Recipient
	err  error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, what.(string))
	f.to = append(f.to, to)
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			f.opts = append(f.opts, so)
		}
	}
	return &tele.Message{ID: len(f.sent)}, nil
}

type sinkFunc func(ctx context.Context, text string) error

func (f sinkFunc) Notify(ctx context.Context, text string) error { return f(ctx, text) }

func TestTelegramNotify(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	tg := NewTelegramWithSender(fs, -100123, 7)

	if err := tg.Notify(context.Background(), "  hello  "); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := tg.Notify(context.Background(), "   "); err != nil {
		t.Fatalf("blank Notify: %v", err)
	}
	if err := tg.Notify(context.Background(), strings.Repeat("あ", maxMessage+10)); err != nil {
		t.Fatalf("long Notify: %v", err)
	}
	if len(fs.sent) != 2 || fs.sent[0] != "hello" {
		t.Fatalf("sent = %q", fs.sent)
	}
	if n := len([]rune(fs.sent[1])); n != maxMessage+1 {
		t.Fatalf("long message has %d runes", n)
	}
	if fs.to[0].Recipient() != "-100123" || fs.opts[0].ThreadID != 7 || !fs.opts[0].DisableWebPagePreview {
		t.Fatalf("send target/options wrong: %v %+v", fs.to[0], fs.opts[0])
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tg.Notify(ctx, "late"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewTelegramValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegram(TelegramConfig{ChatID: 1}); err == nil {
		t.Fatalf("empty token accepted")
	}
	if _, err := NewTelegram(TelegramConfig{Token: "x"}); err == nil {
		t.Fatalf("empty chat accepted")
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("+09:00", 9*3600)
	n := New(nil, Config{Location: loc}, logx.Nop())
	now := time.Date(2025, 3, 1, 8, 5, 0, 0, loc)

	tests := []struct {
		name  string
		ev    eventbus.Event
		want  string
		block bool
	}{
		{
			name: "published",
			ev:   eventbus.Event{Type: eventbus.PostPublished, PostID: "A", Detail: "hello", Data: domain.Attempt{PlatformID: "r1"}},
			want: "published A (r1)\nhello",
		},
		{
			name: "permanent failure",
			ev:   eventbus.Event{Type: eventbus.PostFailed, PostID: "B", Detail: "400", Data: domain.Attempt{Outcome: domain.OutcomePermanentFailure}},
			want: "permanent failure for B",
		},
		{
			name: "summary",
			ev: eventbus.Event{Type: eventbus.RunCompleted, Data: runner.Report{
				Now: now, Active: true, Tick: now.Add(-5 * time.Minute), Published: []string{"A"}, Deferred: 2, PostedToday: 3,
			}},
			want: "published 1, failed 0, reconciled 0, deferred 2\ntoday 4",
		},
		{
			name:  "quiet summary",
			ev:    eventbus.Event{Type: eventbus.RunCompleted, Data: runner.Report{Now: now}},
			block: true,
		},
		{
			name:  "unknown",
			ev:    eventbus.Event{Type: "something.else"},
			block: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := n.Format(tt.ev)
			if ok == tt.block {
				t.Fatalf("Format ok = %v, text %q", ok, got)
			}
			if !tt.block && !strings.Contains(got, tt.want) {
				t.Fatalf("Format = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestEventFilter(t *testing.T) {
	t.Parallel()
	n := New(nil, Config{Events: []string{"post.failed", "run.completed"}}, logx.Nop())
	if _, ok := n.Format(eventbus.Event{Type: eventbus.PostPublished, PostID: "A"}); ok {
		t.Fatalf("filtered event formatted")
	}
	if _, ok := n.Format(eventbus.Event{Type: eventbus.RunCompleted, Data: runner.Report{}}); !ok {
		t.Fatalf("explicitly requested summary suppressed")
	}
}

func TestRunDrainsAfterUnsubscribe(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		got  []string
		fail = true
	)
	sink := sinkFunc(func(_ context.Context, text string) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return errors.New("telegram down")
		}
		got = append(got, text)
		return nil
	})
	bus := eventbus.New()
	n := New(sink, Config{}, logx.Nop())
	ch, unsubscribe := bus.Subscribe(8)

	bus.Publish(eventbus.Event{Type: eventbus.PostPublished, PostID: "A"})
	bus.Publish(eventbus.Event{Type: eventbus.PostPublished, PostID: "B"})
	bus.Publish(eventbus.Event{Type: eventbus.RunFailed, Detail: "boom"})
	unsubscribe()

	n.Run(context.Background(), ch)
	if len(got) != 2 || !strings.Contains(got[0], "B") || !strings.Contains(got[1], "boom") {
		t.Fatalf("delivered %q", got)
	}
}
