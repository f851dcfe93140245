// Package codehosttest provides an in-memory codehost.Host for tests.
package codehosttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/tacit/internal/codehost"
)

// Fake serves canned data. Err, when set, is returned by every method.
type Fake struct {
	ChangeRequests []codehost.ChangeRequest
	Threads        map[int][]codehost.Comment
	Paths          []string
	CommitLog      []codehost.Commit
	Files          map[string]string
	Fixes          []codehost.CIFix
	Rejected       []codehost.Comment
	Err            error

	mu    sync.Mutex
	calls []string
}

var _ codehost.Host = (*Fake)(nil)

func (f *Fake) record(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return f.Err
}

// Calls returns the methods invoked so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) ListChangeRequests(_ context.Context, _, _ string, limit int) ([]codehost.ChangeRequest, error) {
	if err := f.record("ListChangeRequests"); err != nil {
		return nil, err
	}
	out := f.ChangeRequests
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]codehost.ChangeRequest(nil), out...), nil
}

func (f *Fake) Thread(_ context.Context, _ string, number int) ([]codehost.Comment, error) {
	if err := f.record(fmt.Sprintf("Thread(%d)", number)); err != nil {
		return nil, err
	}
	return append([]codehost.Comment(nil), f.Threads[number]...), nil
}

func (f *Fake) Tree(context.Context, string) ([]string, error) {
	if err := f.record("Tree"); err != nil {
		return nil, err
	}
	return append([]string(nil), f.Paths...), nil
}

func (f *Fake) Commits(context.Context, string, int) ([]codehost.Commit, error) {
	if err := f.record("Commits"); err != nil {
		return nil, err
	}
	return append([]codehost.Commit(nil), f.CommitLog...), nil
}

func (f *Fake) FileContent(_ context.Context, _, path string) (string, error) {
	if err := f.record("FileContent(" + path + ")"); err != nil {
		return "", err
	}
	content, ok := f.Files[path]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, codehost.ErrNotFound)
	}
	return content, nil
}

func (f *Fake) Docs(context.Context, string) (map[string]string, error) {
	if err := f.record("Docs"); err != nil {
		return nil, err
	}
	docs := make(map[string]string)
	for p, c := range f.Files {
		docs[p] = c
	}
	return docs, nil
}

func (f *Fake) CIFixes(context.Context, string, int) ([]codehost.CIFix, error) {
	if err := f.record("CIFixes"); err != nil {
		return nil, err
	}
	return append([]codehost.CIFix(nil), f.Fixes...), nil
}

func (f *Fake) RejectedReviews(context.Context, string, int) ([]codehost.Comment, error) {
	if err := f.record("RejectedReviews"); err != nil {
		return nil, err
	}
	return append([]codehost.Comment(nil), f.Rejected...), nil
}
