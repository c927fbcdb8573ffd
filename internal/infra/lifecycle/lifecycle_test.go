package lifecycle_test

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/infra/lifecycle"
)

func TestManagerStartsDepsFirstAndStopsInReverse(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	var stopped []string
	stop := func(name string) lifecycle.StopFunc {
		return func(context.Context) error {
			stopped = append(stopped, name)
			return nil
		}
	}

	require.NoError(t, m.Register(lifecycle.Node{Name: "sessions", Deps: []string{"store"}, Stop: stop("sessions")}))
	require.NoError(t, m.Register(lifecycle.Node{Name: "store", Stop: stop("store")}))
	require.NoError(t, m.Register(lifecycle.Node{Name: "policy", Parent: "sessions", Stop: stop("policy")}))

	require.NoError(t, m.StartAll())
	assert.Equal(t, []string{"store", "sessions", "policy"}, m.StartOrder())
	assert.NoError(t, m.Check("policy")())

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"policy", "sessions", "store"}, stopped)
	assert.Error(t, m.Check("policy")())
}

func TestManagerChildContextCancelledWithParent(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	var childCtx context.Context
	require.NoError(t, m.Register(lifecycle.Node{Name: "parent"}))
	require.NoError(t, m.Register(lifecycle.Node{
		Name:   "child",
		Parent: "parent",
		Start: func(ctx context.Context) (context.Context, error) {
			childCtx = ctx
			return nil, nil
		},
	}))
	require.NoError(t, m.StartAll())
	require.NoError(t, m.Shutdown())

	select {
	case <-childCtx.Done():
	default:
		t.Fatal("child context must be cancelled on shutdown")
	}
}

func TestManagerRegisterValidation(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	assert.Error(t, m.Register(lifecycle.Node{Name: ""}))
	assert.Error(t, m.Register(lifecycle.Node{Name: "x", Parent: "missing"}))
	assert.Error(t, m.Register(lifecycle.Node{Name: "self", Deps: []string{"self"}}))
	require.NoError(t, m.Register(lifecycle.Node{Name: "dup"}))
	assert.Error(t, m.Register(lifecycle.Node{Name: "dup"}))
}

func TestManagerStartFailure(t *testing.T) {
	t.Parallel()

	m := lifecycle.New(context.Background())
	boom := errors.New("boom")
	require.NoError(t, m.Register(lifecycle.Node{
		Name:  "broken",
		Start: func(context.Context) (context.Context, error) { return nil, boom },
	}))
	require.NoError(t, m.Register(lifecycle.Node{Name: "dependent", Deps: []string{"broken"}}))

	err := m.StartAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	st, _ := m.Status("dependent")
	assert.Equal(t, lifecycle.StatusFailed, st)
	assert.Empty(t, m.StartOrder())
}
