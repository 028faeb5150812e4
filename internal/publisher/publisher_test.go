package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"postpilot/internal/domain"
	"postpilot/internal/platform"
	"postpilot/internal/platform/platformtest"
	logx "postpilot/pkg/logx"
)

func newPublisher(api API) (*Publisher, *[]time.Duration) {
	var slept []time.Duration
	p := New(api, Config{FollowupPause: DefaultFollowupPause}, logx.Nop()).
		WithClock(nil, func(d time.Duration) { slept = append(slept, d) })
	return p, &slept
}

func TestPublishWithFollowup(t *testing.T) {
	t.Parallel()
	fake := platformtest.New()
	p, slept := newPublisher(fake)

	a := p.Publish(context.Background(), domain.Post{
		ID: "a", PrimaryText: "main", FollowupText: "reply", TopicTags: []string{"", "golang", "other"},
	})
	if !a.Succeeded() || a.PlatformID == "" || a.FollowupID == "" || a.FollowupErr != "" {
		t.Fatalf("unexpected attempt: %+v", a)
	}
	creates := fake.Creates()
	if len(creates) != 2 {
		t.Fatalf("expected 2 creates, got %d", len(creates))
	}
	if creates[0].TopicTag != "golang" || creates[0].ReplyToID != "" {
		t.Fatalf("primary request = %+v", creates[0])
	}
	if creates[1].ReplyToID != a.PlatformID || creates[1].TopicTag != "" {
		t.Fatalf("followup request = %+v", creates[1])
	}
	if len(*slept) != 1 || (*slept)[0] != DefaultFollowupPause {
		t.Fatalf("followup pause = %v", *slept)
	}
}

func TestFollowupFailureKeepsPrimary(t *testing.T) {
	t.Parallel()
	fake := platformtest.New()
	fake.CreateErr = func(req platform.CreateRequest) error {
		if req.ReplyToID != "" {
			return &platform.TransientError{Op: "create container", Status: 503}
		}
		return nil
	}
	p, _ := newPublisher(fake)

	a := p.Publish(context.Background(), domain.Post{ID: "a", PrimaryText: "main", FollowupText: "reply"})
	if !a.Succeeded() || a.PlatformID == "" {
		t.Fatalf("primary should succeed: %+v", a)
	}
	if a.FollowupErr == "" || a.FollowupID != "" {
		t.Fatalf("followup failure not reported: %+v", a)
	}
}

func TestClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want domain.Outcome
	}{
		{name: "validation", err: &platform.PermanentError{Op: "create container", Status: 400}, want: domain.OutcomePermanentFailure},
		{name: "server", err: &platform.TransientError{Op: "create container", Status: 500}, want: domain.OutcomeTransientFailure},
		{name: "unknown", err: errors.New("boom"), want: domain.OutcomeTransientFailure},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fake := platformtest.New()
			fake.CreateErr = func(platform.CreateRequest) error { return tt.err }
			p, slept := newPublisher(fake)

			a := p.Publish(context.Background(), domain.Post{ID: "x", PrimaryText: "t", FollowupText: "f"})
			if a.Outcome != tt.want {
				t.Fatalf("Outcome = %s, want %s", a.Outcome, tt.want)
			}
			if a.Detail == "" || a.PlatformID != "" {
				t.Fatalf("unexpected attempt: %+v", a)
			}
			if len(fake.Creates()) != 1 || len(*slept) != 0 {
				t.Fatalf("followup must not run after a failed primary")
			}
		})
	}
}

func TestPublishPhaseFailure(t *testing.T) {
	t.Parallel()
	fake := platformtest.New()
	fake.PublishErr = func(string) error { return &platform.TransientError{Op: "publish container", Msg: "timeout"} }
	p, _ := newPublisher(fake)

	a := p.Publish(context.Background(), domain.Post{ID: "x", PrimaryText: "t"})
	if a.Outcome != domain.OutcomeTransientFailure || a.FailureKind() != domain.FailureTransient {
		t.Fatalf("unexpected attempt: %+v", a)
	}
	if fake.PublishCount() != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestDisableTopics(t *testing.T) {
	t.Parallel()
	fake := platformtest.New()
	p := New(fake, Config{DisableTopics: true}, logx.Nop())
	p.Publish(context.Background(), domain.Post{ID: "x", PrimaryText: "t", TopicTags: []string{"go"}})
	if got := fake.Creates()[0].TopicTag; got != "" {
		t.Fatalf("TopicTag = %q", got)
	}
}
