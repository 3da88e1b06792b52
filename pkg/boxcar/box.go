// Package boxcar runs an ordered batch of dependent requests as one unit. Only the last
// request's result reaches the caller; earlier results are drained and dropped, and the
// first failure stops the batch.
package boxcar

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Result is the output of one request. Streaming results hold resources until Drain
// has been called.
type Result interface {
	Drain() error
}

// Request is one step of a box.
type Request struct {
	Name string
	Do   func(ctx context.Context) (Result, error)
}

// Fault reports the request that stopped a box.
type Fault struct {
	Index int
	Name  string
	Err   error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("boxcar request %d (%s) failed: %v", f.Index, f.Name, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

type noResult struct{}

func (noResult) Drain() error { return nil }

// NoResult is returned for an empty box and for a last request that produced nothing.
var NoResult Result = noResult{}

// Box accumulates requests until Execute or Clear. It is safe for concurrent use.
type Box struct {
	mu       sync.Mutex
	requests []Request
}

// New returns a box holding reqs in order.
func New(reqs ...Request) *Box {
	b := &Box{}
	b.Add(reqs...)
	return b
}

// Add appends requests; insertion order is execution order.
func (b *Box) Add(reqs ...Request) {
	b.mu.Lock()
	b.requests = append(b.requests, reqs...)
	b.mu.Unlock()
}

// Len returns the number of pending requests.
func (b *Box) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// Clear drops the pending requests without running them.
func (b *Box) Clear() {
	b.mu.Lock()
	b.requests = nil
	b.mu.Unlock()
}

// Execute takes the pending requests out of the box and runs them in order.
func (b *Box) Execute(ctx context.Context) (Result, error) {
	b.mu.Lock()
	reqs := b.requests
	b.requests = nil
	b.mu.Unlock()

	return Run(ctx, reqs)
}

// Run executes reqs in order. A failing request returns a *Fault and the requests after
// it are never dispatched. A failure to drain an intermediate result is a fault of that
// request too.
func Run(ctx context.Context, reqs []Request) (Result, error) {
	if len(reqs) == 0 {
		return NoResult, nil
	}

	last := len(reqs) - 1
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, &Fault{Index: i, Name: req.Name, Err: err}
		}

		res, err := req.Do(ctx)
		if err != nil {
			if res != nil {
				res.Drain()
			}
			return nil, &Fault{Index: i, Name: req.Name, Err: err}
		}

		if i == last {
			if res == nil {
				return NoResult, nil
			}
			return res, nil
		}

		if res != nil {
			if err := res.Drain(); err != nil {
				return nil, &Fault{Index: i, Name: req.Name, Err: fmt.Errorf("drain result: %w", err)}
			}
		}
	}
	return NoResult, nil
}

// Value is an in-memory result.
type Value struct {
	V any
}

func (Value) Drain() error { return nil }

// StreamResult wraps a reader whose resources are released by reading it to the end and
// closing it.
type StreamResult struct {
	io.ReadCloser
}

// Stream wraps rc as a Result.
func Stream(rc io.ReadCloser) *StreamResult {
	return &StreamResult{ReadCloser: rc}
}

// Drain reads the stream to EOF and closes it.
func (s *StreamResult) Drain() error {
	_, err := io.Copy(io.Discard, s.ReadCloser)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}
