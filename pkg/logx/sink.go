package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sink receives forwarded log lines. notify.Telegram implements it.
type Sink interface {
	Notify(ctx context.Context, text string) error
}

type SinkConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

const (
	sinkQueue   = 128
	sinkTimeout = 10 * time.Second
	sinkMaxLen  = 3500
)

// forwarder is a zerolog.LevelWriter that hands events at or above minLevel
// to a background worker. Writes never block the caller.
type forwarder struct {
	sink Sink

	mu       sync.Mutex
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue   chan string
	once    sync.Once
	done    chan struct{}
	cancel  context.CancelFunc
	stopped sync.Once
}

func newForwarder(sink Sink) *forwarder {
	return &forwarder{
		sink:     sink,
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		queue:    make(chan string, sinkQueue),
		done:     make(chan struct{}),
	}
}

func (f *forwarder) configure(cfg SinkConfig) {
	rps := max(1, cfg.RatePerSec)
	f.mu.Lock()
	f.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	f.limiter.SetLimit(rate.Limit(rps))
	f.limiter.SetBurst(rps)
	f.mu.Unlock()
	if cfg.Enabled {
		f.once.Do(f.start)
	}
}

func (f *forwarder) start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.loop(ctx)
}

func (f *forwarder) loop(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			f.drain()
			return
		case msg := <-f.queue:
			if err := f.limiter.Wait(ctx); err != nil {
				f.deliver(msg)
				f.drain()
				return
			}
			f.deliver(msg)
		}
	}
}

// drain delivers what is already queued without waiting on the limiter.
func (f *forwarder) drain() {
	for {
		select {
		case msg := <-f.queue:
			f.deliver(msg)
		default:
			return
		}
	}
}

func (f *forwarder) deliver(msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	_ = f.sink.Notify(ctx, msg)
}

func (f *forwarder) stop() {
	f.stopped.Do(func() {
		if f.cancel == nil {
			return
		}
		f.cancel()
		<-f.done
	})
}

func (f *forwarder) Write(p []byte) (int, error) {
	return f.WriteLevel(zerolog.NoLevel, p)
}

func (f *forwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	f.mu.Lock()
	floor := f.minLevel
	f.mu.Unlock()
	if level == zerolog.NoLevel || level < floor {
		return len(p), nil
	}
	select {
	case f.queue <- formatEvent(level, p):
	default:
	}
	return len(p), nil
}

// formatEvent renders a JSON event as a short plain-text message: the level
// and message on the first line, then the remaining fields sorted by key.
func formatEvent(level zerolog.Level, p []byte) string {
	var ev map[string]any
	if err := json.Unmarshal(p, &ev); err != nil {
		return strings.TrimSpace(string(p))
	}
	var b strings.Builder
	b.WriteString("[" + strings.ToUpper(level.String()) + "] ")
	if msg, ok := ev[zerolog.MessageFieldName].(string); ok {
		b.WriteString(msg)
	}
	keys := make([]string, 0, len(ev))
	for k := range ev {
		switch k {
		case zerolog.MessageFieldName, zerolog.LevelFieldName, zerolog.TimestampFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%v", k, ev[k])
	}
	out := b.String()
	if len(out) > sinkMaxLen {
		out = out[:sinkMaxLen] + "…"
	}
	return out
}
