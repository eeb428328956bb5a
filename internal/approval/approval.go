// Package approval decides join requests on behalf of the admin.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
)

var (
	ErrNoSuchRequest = errors.New("no pending request with that name")
	ErrTimedOut      = errors.New("approval timed out")
)

// Static admits or denies everyone.
type Static bool

func (s Static) Admit(context.Context, string, string) (bool, error) {
	return bool(s), nil
}

type Request struct {
	Name        string `json:"name"`
	Remote      string `json:"remote"`
	RequestedMS int64  `json:"requested_ms"`
}

type waiter struct {
	req      Request
	decision chan bool
}

// Queue parks each join request until the admin approves or denies it by
// name, the timeout passes, or the caller's context ends.
type Queue struct {
	mu      sync.Mutex
	waiters []*waiter
	timeout time.Duration
	notify  func(Request)
	log     *slog.Logger
}

func NewQueue(timeout time.Duration, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{timeout: timeout, log: log}
}

// OnRequest installs a callback run for each new request.
func (q *Queue) OnRequest(fn func(Request)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify = fn
}

func (q *Queue) Admit(ctx context.Context, name, remote string) (bool, error) {
	w := &waiter{
		req:      Request{Name: name, Remote: remote, RequestedMS: time.Now().UnixMilli()},
		decision: make(chan bool, 1),
	}
	q.mu.Lock()
	q.waiters = append(q.waiters, w)
	notify := q.notify
	q.mu.Unlock()
	defer q.remove(w)

	q.log.Info("join awaiting approval", "name", name, "remote", remote)
	if notify != nil {
		notify(w.req)
	}

	var expired <-chan time.Time
	if q.timeout > 0 {
		timer := time.NewTimer(q.timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case ok := <-w.decision:
		return ok, nil
	case <-expired:
		return false, ErrTimedOut
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (q *Queue) Approve(name string) error {
	return q.resolve(name, true)
}

func (q *Queue) Deny(name string) error {
	return q.resolve(name, false)
}

func (q *Queue) resolve(name string, ok bool) error {
	q.mu.Lock()
	w, found := lo.Find(q.waiters, func(w *waiter) bool { return w.req.Name == name })
	if found {
		q.waiters = lo.Without(q.waiters, w)
	}
	q.mu.Unlock()
	if !found {
		return ErrNoSuchRequest
	}
	w.decision <- ok
	return nil
}

// Pending lists open requests, oldest first.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return lo.Map(q.waiters, func(w *waiter, _ int) Request { return w.req })
}

func (q *Queue) remove(w *waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiters = lo.Without(q.waiters, w)
}
