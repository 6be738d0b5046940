package app

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appletkit/config"
	"appletkit/logging"
	"appletkit/transaction"
)

func testConfig(t *testing.T, environ map[string]string) config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(environ)
	require.NoError(t, err)
	return cfg
}

func TestRuntime_CommitFlowsToBusAndJournal(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, map[string]string{"APPLET_JOURNAL_DSN": ":memory:"})

	rt, err := New(ctx, cfg, WithLogger(logging.NewNoopLogger()))
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx))
	defer rt.Close(ctx)
	assert.Equal(t, StateRunning, rt.State())

	var mu sync.Mutex
	var changes []transaction.Change
	_, err = rt.Bus().OnChange(func(ctx context.Context, c transaction.Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})
	require.NoError(t, err)

	m, err := rt.Manager("orders", nil)
	require.NoError(t, err)
	again, err := rt.Manager("orders", nil)
	require.NoError(t, err)
	assert.Same(t, m, again)

	_, err = m.AddOperation(ctx, transaction.Operation{
		Type:     transaction.OpUpdate,
		EntityID: "o-1",
		Mutation: func(ctx context.Context, op *transaction.Operation) (any, error) { return nil, nil },
	})
	require.NoError(t, err)
	txID := m.Transaction().ID
	_, err = m.Commit(ctx, false)
	require.NoError(t, err)

	rec, err := rt.Journal().Load(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCompleted, rec.Status)

	tx, ok := m.Lookup(txID)
	require.True(t, ok)
	assert.Equal(t, transaction.StatusCompleted, tx.Status)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, changes)
	last := changes[len(changes)-1]
	assert.Equal(t, "orders", last.ManagerID)
	assert.Equal(t, transaction.StatusCompleted, last.Status)
}

func TestRuntime_Lifecycle(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx, testConfig(t, nil), WithLogger(logging.NewNoopLogger()))
	require.NoError(t, err)
	assert.Equal(t, StatePending, rt.State())

	require.NoError(t, rt.Start(ctx))
	assert.Error(t, rt.Start(ctx))

	require.NoError(t, rt.Close(ctx))
	require.NoError(t, rt.Close(ctx))
	assert.Equal(t, StateStopped, rt.State())
	assert.Equal(t, "Stopped", rt.State().String())
}

func TestRuntime_RemoteDriversAssembleWithoutConnecting(t *testing.T) {
	ctx := context.Background()
	for _, driver := range []string{config.DriverRedis, config.DriverNATS} {
		t.Run(driver, func(t *testing.T) {
			rt, err := New(ctx, testConfig(t, map[string]string{"APPLET_NOTIFY_DRIVER": driver}),
				WithLogger(logging.NewNoopLogger()))
			require.NoError(t, err)
			assert.NoError(t, rt.Close(ctx))
		})
	}
}

func TestRuntime_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.NotifyDriver = "kafka"
	_, err := New(context.Background(), cfg)
	assert.True(t, config.IsConfigError(err))
}

func TestRuntime_ManagerUsesConfiguredLimits(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx, testConfig(t, map[string]string{"APPLET_TX_MAX_PENDING": "1"}),
		WithLogger(logging.NewNoopLogger()))
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx))
	defer rt.Close(ctx)

	m, err := rt.Manager("grid", nil)
	require.NoError(t, err)
	noop := func(ctx context.Context, op *transaction.Operation) (any, error) { return nil, nil }
	_, err = m.AddOperation(ctx, transaction.Operation{Type: transaction.OpUpdate, EntityID: "a", Mutation: noop})
	require.NoError(t, err)
	_, err = m.AddOperation(ctx, transaction.Operation{Type: transaction.OpUpdate, EntityID: "b", Mutation: noop})
	assert.ErrorIs(t, err, transaction.ErrTooManyOperations)
}
