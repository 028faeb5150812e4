// Package publisher runs the two-phase publish protocol for one post and
// turns every failure into a classified attempt outcome.
package publisher

import (
	"context"
	"strings"
	"time"

	"postpilot/internal/domain"
	"postpilot/internal/platform"
	logx "postpilot/pkg/logx"
)

const DefaultFollowupPause = 2 * time.Second

type API interface {
	CreateContainer(ctx context.Context, req platform.CreateRequest) (string, error)
	PublishContainer(ctx context.Context, containerID string) (string, error)
}

type Config struct {
	// FollowupPause separates the primary publish from its reply.
	FollowupPause time.Duration
	// DisableTopics omits topic_tag from create requests.
	DisableTopics bool
}

type Publisher struct {
	api   API
	cfg   Config
	log   logx.Logger
	now   func() time.Time
	sleep func(time.Duration)
}

func New(api API, cfg Config, log logx.Logger) *Publisher {
	if cfg.FollowupPause < 0 {
		cfg.FollowupPause = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{api: api, cfg: cfg, log: log, now: time.Now, sleep: time.Sleep}
}

// WithClock replaces the time source and sleep function.
func (p *Publisher) WithClock(now func() time.Time, sleep func(time.Duration)) *Publisher {
	if now != nil {
		p.now = now
	}
	if sleep != nil {
		p.sleep = sleep
	}
	return p
}

// Publish sends post and, when present, its followup as a reply. It never
// returns an error: failures are reported through the attempt outcome.
func (p *Publisher) Publish(ctx context.Context, post domain.Post) domain.Attempt {
	a := domain.Attempt{PostID: post.ID}
	req := platform.CreateRequest{Text: post.PrimaryText}
	if !p.cfg.DisableTopics {
		req.TopicTag = post.Topic()
	}

	id, err := p.publishOne(ctx, req)
	a.AttemptedAt = p.now()
	if err != nil {
		a.Outcome = classify(err)
		a.Detail = err.Error()
		p.log.Warn("publish failed",
			logx.String("id", post.ID),
			logx.String("outcome", string(a.Outcome)),
			logx.Err(err),
		)
		return a
	}
	a.Outcome = domain.OutcomeSuccess
	a.PlatformID = id
	p.log.Info("published", logx.String("id", post.ID), logx.String("published_id", id))

	followup := strings.TrimSpace(post.FollowupText)
	if followup == "" {
		return a
	}
	if p.cfg.FollowupPause > 0 {
		p.sleep(p.cfg.FollowupPause)
	}
	fid, err := p.publishOne(ctx, platform.CreateRequest{Text: followup, ReplyToID: id})
	if err != nil {
		a.FollowupErr = err.Error()
		p.log.Warn("followup failed",
			logx.String("id", post.ID),
			logx.String("reply_to", id),
			logx.String("outcome", string(classify(err))),
			logx.Err(err),
		)
		return a
	}
	a.FollowupID = fid
	p.log.Info("followup published", logx.String("id", post.ID), logx.String("published_id", fid))
	return a
}

func (p *Publisher) publishOne(ctx context.Context, req platform.CreateRequest) (string, error) {
	cid, err := p.api.CreateContainer(ctx, req)
	if err != nil {
		return "", err
	}
	return p.api.PublishContainer(ctx, cid)
}

func classify(err error) domain.Outcome {
	if platform.IsPermanent(err) {
		return domain.OutcomePermanentFailure
	}
	return domain.OutcomeTransientFailure
}
