package boxcar

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackingReader records whether it was read to the end and closed.
type trackingReader struct {
	io.Reader
	drained bool
	closed  bool
}

func (r *trackingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if err == io.EOF {
		r.drained = true
	}
	return n, err
}

func (r *trackingReader) Close() error {
	r.closed = true
	return nil
}

func streamRequest(name, body string, out **trackingReader, calls *[]string) Request {
	return Request{
		Name: name,
		Do: func(ctx context.Context) (Result, error) {
			*calls = append(*calls, name)
			r := &trackingReader{Reader: strings.NewReader(body)}
			*out = r
			return Stream(r), nil
		},
	}
}

func failingRequest(name string, err error, calls *[]string) Request {
	return Request{
		Name: name,
		Do: func(ctx context.Context) (Result, error) {
			*calls = append(*calls, name)
			return nil, err
		},
	}
}

func TestEmptyBoxReturnsNoResult(t *testing.T) {
	res, err := New().Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoResult, res)
}

func TestOnlyLastResultIsReturned(t *testing.T) {
	var calls []string
	var r1, r2 *trackingReader

	box := New(
		streamRequest("R1", "first", &r1, &calls),
		streamRequest("R2", "second", &r2, &calls),
	)
	res, err := box.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"R1", "R2"}, calls)
	assert.True(t, r1.drained, "intermediate result must be consumed")
	assert.True(t, r1.closed)
	assert.False(t, r2.closed, "last result belongs to the caller")

	stream, ok := res.(*StreamResult)
	require.True(t, ok)
	body, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "second", string(body))
	assert.Equal(t, 0, box.Len(), "box is emptied by Execute")
}

func TestFaultShortCircuits(t *testing.T) {
	var calls []string
	var r1, r3 *trackingReader
	boom := errors.New("boom")

	box := New(
		streamRequest("R1", "first", &r1, &calls),
		failingRequest("R2", boom, &calls),
		streamRequest("R3", "third", &r3, &calls),
	)
	res, err := box.Execute(context.Background())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, boom)

	var fault *Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, 1, fault.Index)
	assert.Equal(t, "R2", fault.Name)

	assert.Equal(t, []string{"R1", "R2"}, calls, "R3 must never be dispatched")
	assert.Nil(t, r3)
}

func TestDrainFailureIsAFault(t *testing.T) {
	var calls []string
	box := New(
		Request{Name: "R1", Do: func(ctx context.Context) (Result, error) {
			calls = append(calls, "R1")
			return badDrain{}, nil
		}},
		Request{Name: "R2", Do: func(ctx context.Context) (Result, error) {
			calls = append(calls, "R2")
			return Value{V: 2}, nil
		}},
	)
	_, err := box.Execute(context.Background())
	var fault *Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, 0, fault.Index)
	assert.Equal(t, []string{"R1"}, calls)
}

type badDrain struct{}

func (badDrain) Drain() error { return errors.New("stream reset") }

func TestNilLastResult(t *testing.T) {
	res, err := Run(context.Background(), []Request{
		{Name: "R1", Do: func(ctx context.Context) (Result, error) { return Value{V: 1}, nil }},
		{Name: "R2", Do: func(ctx context.Context) (Result, error) { return nil, nil }},
	})
	require.NoError(t, err)
	assert.Equal(t, NoResult, res)
}

func TestCancelledContextStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls []string

	box := New(
		Request{Name: "R1", Do: func(ctx context.Context) (Result, error) {
			calls = append(calls, "R1")
			cancel()
			return nil, nil
		}},
		Request{Name: "R2", Do: func(ctx context.Context) (Result, error) {
			calls = append(calls, "R2")
			return nil, nil
		}},
	)
	_, err := box.Execute(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"R1"}, calls)
}

func TestClearDropsRequests(t *testing.T) {
	var calls []string
	box := New(failingRequest("R1", errors.New("x"), &calls))
	box.Add(failingRequest("R2", errors.New("y"), &calls))
	assert.Equal(t, 2, box.Len())

	box.Clear()
	assert.Equal(t, 0, box.Len())

	res, err := box.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, NoResult, res)
	assert.Empty(t, calls)
}
