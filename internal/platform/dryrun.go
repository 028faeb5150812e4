package platform

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// DryRun stands in for Client without touching the network. Every publish
// "succeeds" with a synthetic dry_run_<n> id and the account looks empty.
type DryRun struct {
	seq atomic.Int64
}

func (d *DryRun) CreateContainer(_ context.Context, _ CreateRequest) (string, error) {
	return fmt.Sprintf("dry_container_%d", d.seq.Add(1)), nil
}

func (d *DryRun) PublishContainer(_ context.Context, _ string) (string, error) {
	return fmt.Sprintf("dry_run_%d_%d", time.Now().Unix(), d.seq.Add(1)), nil
}

func (d *DryRun) ListRecentPosts(_ context.Context, _ int) ([]RemotePost, error) {
	return nil, nil
}
