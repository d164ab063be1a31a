package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/collabfuzz/collabfuzz/logging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakePass struct {
	passType PassType
	fn       func(content []byte) ([]byte, error)
}

func (p *fakePass) Type() PassType        { return p.passType }
func (p *fakePass) RunOnDuplicates() bool { return true }
func (p *fakePass) Process(ctx context.Context, content []byte) ([]byte, error) {
	return p.fn(content)
}

func TestWorkerPoolDispatchesToRegisteredPassOnly(t *testing.T) {
	pass := &fakePass{passType: PassCoverage, fn: func(content []byte) ([]byte, error) {
		return append([]byte("echo:"), content...), nil
	}}
	pool := NewWorkerPool([]Pass{pass}, 4, nil)

	require.False(t, pool.Dispatch(PassTaint, 1, []byte("x")), "no pass registered for PassTaint")
	require.True(t, pool.Dispatch(PassCoverage, 1, []byte("x")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	select {
	case result := <-pool.Results():
		require.Equal(t, uint64(1), result.Serial)
		require.Equal(t, PassCoverage, result.Pass)
		require.Equal(t, []byte("echo:x"), result.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestWorkerPoolEmitsEmptyPayloadOnPassFailure(t *testing.T) {
	pass := &fakePass{passType: PassTaint, fn: func(content []byte) ([]byte, error) {
		return nil, errors.New("boom")
	}}
	logger := logging.NewLogger(zerolog.Disabled, false)
	pool := NewWorkerPool([]Pass{pass}, 4, logger)
	require.True(t, pool.Dispatch(PassTaint, 7, []byte("x")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	select {
	case result := <-pool.Results():
		require.Equal(t, uint64(7), result.Serial)
		require.Nil(t, result.Payload, "a failed pass must still publish a result, with a nil payload")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestWorkerPoolPassesReturnsOneEntryPerRegisteredPass(t *testing.T) {
	pool := NewWorkerPool([]Pass{
		&fakePass{passType: PassCoverage},
		&fakePass{passType: PassConditions},
	}, 1, nil)

	types := make(map[PassType]struct{})
	for _, p := range pool.Passes() {
		types[p.Type()] = struct{}{}
	}
	require.Len(t, types, 2)
	require.Contains(t, types, PassCoverage)
	require.Contains(t, types, PassConditions)
}
