// Package platformtest provides an in-memory platform for engine tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postpilot/internal/platform"
)

// Fake behaves like the Threads API: containers are created, then published
// into the account timeline, which ListRecentPosts returns newest first.
type Fake struct {
	mu sync.Mutex

	// Hooks return an error to fail the matching call. Nil means success.
	CreateErr  func(req platform.CreateRequest) error
	PublishErr func(containerID string) error
	ListErr    error

	// Now stamps published posts. Nil means time.Now.
	Now func() time.Time

	seq        int
	containers map[string]platform.CreateRequest
	timeline   []platform.RemotePost
	creates    []platform.CreateRequest
	publishes  int
	lists      int
}

func New() *Fake {
	return &Fake{containers: map[string]platform.CreateRequest{}}
}

// Seed places an already-published post on the timeline.
func (f *Fake) Seed(id, text string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeline = append([]platform.RemotePost{{ID: id, Text: text, Timestamp: at}}, f.timeline...)
}

func (f *Fake) CreateContainer(_ context.Context, req platform.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if f.CreateErr != nil {
		if err := f.CreateErr(req); err != nil {
			return "", err
		}
	}
	f.seq++
	id := fmt.Sprintf("container-%d", f.seq)
	if f.containers == nil {
		f.containers = map[string]platform.CreateRequest{}
	}
	f.containers[id] = req
	return id, nil
}

func (f *Fake) PublishContainer(_ context.Context, containerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishErr != nil {
		if err := f.PublishErr(containerID); err != nil {
			return "", err
		}
	}
	req, ok := f.containers[containerID]
	if !ok {
		return "", &platform.PermanentError{Op: "publish container", Status: 400, Msg: "unknown container"}
	}
	delete(f.containers, containerID)
	f.seq++
	f.publishes++
	id := fmt.Sprintf("post-%d", f.seq)
	now := time.Now()
	if f.Now != nil {
		now = f.Now()
	}
	f.timeline = append([]platform.RemotePost{{ID: id, Text: req.Text, Timestamp: now}}, f.timeline...)
	return id, nil
}

func (f *Fake) ListRecentPosts(_ context.Context, n int) ([]platform.RemotePost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	if n > len(f.timeline) {
		n = len(f.timeline)
	}
	return append([]platform.RemotePost(nil), f.timeline[:n]...), nil
}

// Published returns the timeline, newest first.
func (f *Fake) Published() []platform.RemotePost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.RemotePost(nil), f.timeline...)
}

// Creates returns every create request received, including failed ones.
func (f *Fake) Creates() []platform.CreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.CreateRequest(nil), f.creates...)
}

func (f *Fake) PublishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publishes
}

func (f *Fake) ListCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

// CountText reports how many published posts carry exactly text.
func (f *Fake) CountText(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.timeline {
		if p.Text == text {
			n++
		}
	}
	return n
}
