package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/rudder-reconciler/internal/adminclient"
	"github.com/rudderlabs/rudder-reconciler/internal/model"
	"github.com/rudderlabs/rudder-reconciler/internal/orchestrator"
	"github.com/rudderlabs/rudder-reconciler/testhelper/adminserver"
)

type fakeDestination struct {
	mu      sync.Mutex
	modes   []adminclient.Mode
	failFor adminclient.Mode
}

func (d *fakeDestination) SetMode(ctx context.Context, mode adminclient.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if mode == d.failFor {
		return errors.New("mode rejected")
	}
	d.modes = append(d.modes, mode)
	return nil
}

type fakeCollector struct {
	calls int
	err   error
}

func (c *fakeCollector) Collect(context.Context) ([]model.TypeMetadata, error) {
	c.calls++
	return []model.TypeMetadata{{Type: "users"}}, c.err
}

// fakeMigrator fails its first failures runs.
type fakeMigrator struct {
	runs     int
	failures int
	onRun    func()
}

func (m *fakeMigrator) Migrate(context.Context, []model.TypeMetadata) error {
	m.runs++
	if m.onRun != nil {
		m.onRun()
	}
	if m.runs <= m.failures {
		return errors.New("restore failed")
	}
	return nil
}

func (m *fakeMigrator) Status() orchestrator.Status {
	return orchestrator.Status{Phase: orchestrator.PhaseDone}
}

func testConfig() *config.Config {
	conf := config.New()
	conf.Set("Reconciler.runRetry.initialInterval", "1ms")
	conf.Set("Reconciler.runRetry.maxInterval", "1ms")
	conf.Set("Reconciler.pollInterval", "1ms")
	conf.Set("Reconciler.pollRetryDelay", "1ms")
	conf.Set("Reconciler.tickInterval", "1ms")
	conf.Set("Reconciler.drainPollInterval", "1ms")
	return conf
}

func TestRun(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		dest := &fakeDestination{}
		m := &fakeMigrator{}
		r := newReconciler(dest, &fakeCollector{}, m, testConfig(), logger.NOP, stats.NOP)
		require.NoError(t, r.Run(context.Background()))
		require.Equal(t, []adminclient.Mode{adminclient.ModeRestricted, adminclient.ModeNormal}, dest.modes)
		require.Equal(t, 1, m.runs)
		require.Equal(t, Status{Status: orchestrator.Status{Phase: orchestrator.PhaseDone}, Attempt: 1}, r.Status())
	})

	t.Run("retried from collection", func(t *testing.T) {
		dest := &fakeDestination{}
		c := &fakeCollector{}
		m := &fakeMigrator{failures: 2}
		r := newReconciler(dest, c, m, testConfig(), logger.NOP, stats.NOP)
		require.NoError(t, r.Run(context.Background()))
		require.Equal(t, 3, m.runs)
		require.Equal(t, 3, c.calls)
		require.Equal(t, []adminclient.Mode{adminclient.ModeRestricted, adminclient.ModeNormal}, dest.modes)
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		dest := &fakeDestination{}
		m := &fakeMigrator{failures: 10}
		conf := testConfig()
		conf.Set("Reconciler.maxRunAttempts", 2)
		r := newReconciler(dest, &fakeCollector{}, m, conf, logger.NOP, stats.NOP)
		err := r.Run(context.Background())
		require.ErrorContains(t, err, "restore failed")
		require.ErrorContains(t, err, "after 2 attempts")
		require.Equal(t, 2, m.runs)
		require.Equal(t, []adminclient.Mode{adminclient.ModeRestricted, adminclient.ModeNormal}, dest.modes,
			"normal mode restored after a failed run")
	})

	t.Run("collection failure", func(t *testing.T) {
		dest := &fakeDestination{}
		m := &fakeMigrator{}
		conf := testConfig()
		conf.Set("Reconciler.maxRunAttempts", 1)
		r := newReconciler(dest, &fakeCollector{err: errors.New("types unavailable")}, m, conf, logger.NOP, stats.NOP)
		require.ErrorContains(t, r.Run(context.Background()), "types unavailable")
		require.Zero(t, m.runs)
		require.Equal(t, adminclient.ModeNormal, dest.modes[len(dest.modes)-1])
	})

	t.Run("restricted mode rejected", func(t *testing.T) {
		dest := &fakeDestination{failFor: adminclient.ModeRestricted}
		m := &fakeMigrator{}
		r := newReconciler(dest, &fakeCollector{}, m, testConfig(), logger.NOP, stats.NOP)
		require.ErrorContains(t, r.Run(context.Background()), "restricting destination writes")
		require.Zero(t, m.runs)
		require.Empty(t, dest.modes)
	})

	t.Run("normal mode rejected", func(t *testing.T) {
		dest := &fakeDestination{failFor: adminclient.ModeNormal}
		r := newReconciler(dest, &fakeCollector{}, &fakeMigrator{}, testConfig(), logger.NOP, stats.NOP)
		require.ErrorContains(t, r.Run(context.Background()), "restoring destination normal mode")
	})

	t.Run("cancelled run is not retried and restores normal mode", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		dest := &fakeDestination{}
		m := &fakeMigrator{failures: 10, onRun: cancel}
		r := newReconciler(dest, &fakeCollector{}, m, testConfig(), logger.NOP, stats.NOP)
		require.Error(t, r.Run(ctx))
		require.Equal(t, 1, m.runs)
		require.Equal(t, []adminclient.Mode{adminclient.ModeRestricted, adminclient.ModeNormal}, dest.modes)
	})
}

func TestNew(t *testing.T) {
	_, err := New(config.New(), logger.NOP, stats.NOP)
	require.ErrorIs(t, err, ErrMissingEndpoint)

	conf := config.New()
	conf.Set("Reconciler.sourceURL", "http://localhost:1")
	_, err = New(conf, logger.NOP, stats.NOP)
	require.ErrorIs(t, err, ErrMissingEndpoint)
	require.ErrorContains(t, err, "destination")
}

func TestReconcileEndToEnd(t *testing.T) {
	store := adminserver.NewBackupStore()
	source := adminserver.NewBuilder().
		WithBackupStore(store).
		WithPollsToComplete(2).
		WithRange("users", 1, 57).
		WithRange("groups", 1, 13).
		WithRange("roles", 100, 104).
		WithType("sources", 1).
		Build()
	defer source.Close()
	destination := adminserver.NewBuilder().
		WithBackupStore(store).
		WithoutDirectChecksum().
		WithRange("users", 1, 30).
		WithType("groups", 2, 3).
		WithType("roles").
		Build()
	defer destination.Close()
	destination.SetRow("users", 17, "stale")
	destination.DeleteRow("users", 25)
	destination.SetRow("users", 44, "orphan")

	conf := testConfig()
	conf.Set("Reconciler.sourceURL", source.URL)
	conf.Set("Reconciler.destinationURL", destination.URL)
	conf.Set("Reconciler.maxBatchSize", 8)
	conf.Set("Reconciler.typeOrder", []string{"roles", "groups"})
	r, err := New(conf, logger.NOP, stats.NOP)
	require.NoError(t, err)

	md, err := r.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, []model.MigrationType{"roles", "groups", "users"}, []model.MigrationType{md[0].Type, md[1].Type, md[2].Type})

	require.NoError(t, r.Run(context.Background()))
	for _, mt := range []model.MigrationType{"users", "groups", "roles"} {
		require.Equal(t, source.Rows(mt), destination.Rows(mt), "%s rows", mt)
		require.LessOrEqual(t, destination.MaxConcurrent(mt), 1)
	}
	require.Equal(t, []string{"restricted", "normal"}, destination.ModeHistory())
	require.Equal(t, orchestrator.PhaseDone, r.Status().Phase)

	t.Run("re-running is a no-op", func(t *testing.T) {
		backups := source.Submitted(model.OperationBackup)
		writes := destination.Submitted(model.OperationRestore) + destination.Submitted(model.OperationDelete)
		require.NoError(t, r.Run(context.Background()))
		require.Equal(t, backups, source.Submitted(model.OperationBackup))
		require.Equal(t, writes, destination.Submitted(model.OperationRestore)+destination.Submitted(model.OperationDelete))
	})
}
