package runner

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-reconciler/internal/model"
	"github.com/rudderlabs/rudder-reconciler/internal/orchestrator"
	"github.com/rudderlabs/rudder-reconciler/reconciler"
	"github.com/rudderlabs/rudder-reconciler/testhelper/adminserver"
)

func newTestRunner(conf *config.Config, stdout io.Writer) *Runner {
	return &Runner{
		releaseInfo:             ReleaseInfo{Version: "v1.2.3", Commit: "abc"},
		conf:                    conf,
		log:                     logger.NOP,
		logger:                  logger.NOP,
		stdout:                  stdout,
		gracefulShutdownTimeout: 5 * time.Second,
	}
}

func testConfig() *config.Config {
	conf := config.New()
	conf.Set("enableStats", false)
	conf.Set("Reconciler.statusServer.enabled", false)
	conf.Set("Reconciler.pollInterval", "1ms")
	conf.Set("Reconciler.tickInterval", "1ms")
	conf.Set("Reconciler.drainPollInterval", "1ms")
	conf.Set("Reconciler.maxBatchSize", 5)
	return conf
}

func endpoints(t *testing.T) (source, destination *adminserver.Server) {
	t.Helper()
	store := adminserver.NewBackupStore()
	source = adminserver.NewBuilder().WithBackupStore(store).WithRange("users", 1, 12).WithRange("groups", 3, 4).Build()
	destination = adminserver.NewBuilder().WithBackupStore(store).WithRange("users", 1, 6).WithType("groups").Build()
	t.Cleanup(source.Close)
	t.Cleanup(destination.Close)
	return source, destination
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	require.Zero(t, newTestRunner(testConfig(), &out).Run(context.Background(), []string{"rudder-reconciler", "version"}))
	require.Contains(t, out.String(), `"Version": "v1.2.3"`)
	require.Contains(t, out.String(), `"Commit": "abc"`)
}

func TestTypesCommand(t *testing.T) {
	source, destination := endpoints(t)
	var out bytes.Buffer
	code := newTestRunner(testConfig(), &out).Run(context.Background(), []string{
		"rudder-reconciler", "--source", source.URL, "--destination", destination.URL, "types",
	})
	require.Zero(t, code)
	require.Contains(t, out.String(), "users")
	require.Contains(t, out.String(), "[1, 12] (12 rows)")
	require.Contains(t, out.String(), "empty")
}

func TestRunCommand(t *testing.T) {
	source, destination := endpoints(t)
	conf := testConfig()
	conf.Set("Reconciler.sourceURL", source.URL)
	conf.Set("Reconciler.destinationURL", destination.URL)

	require.Zero(t, newTestRunner(conf, io.Discard).Run(context.Background(), []string{"rudder-reconciler", "run"}))
	for _, mt := range []model.MigrationType{"users", "groups"} {
		require.Equal(t, source.Rows(mt), destination.Rows(mt))
	}
	require.Equal(t, "normal", destination.Mode())
}

func TestRunCommandMissingEndpoints(t *testing.T) {
	require.Equal(t, 1, newTestRunner(testConfig(), io.Discard).Run(context.Background(), []string{"rudder-reconciler", "run"}))
}

type staticStatus struct {
	status reconciler.Status
}

func (s staticStatus) Status() reconciler.Status { return s.status }

func TestStatusHandler(t *testing.T) {
	r := newTestRunner(testConfig(), io.Discard)
	startedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(r.statusHandler(staticStatus{status: reconciler.Status{
		Status:  orchestrator.Status{Phase: orchestrator.PhaseChecksumDelta, StartedAt: startedAt, Generated: 7, Pending: 2},
		Attempt: 2,
	}}))
	defer srv.Close()

	get := func(path string) map[string]any {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body
	}

	require.Equal(t, "UP", get("/health")["status"])
	require.Equal(t, "v1.2.3", get("/version")["Version"])
	status := get("/status")
	require.Equal(t, "checksum_delta", status["phase"])
	require.EqualValues(t, 7, status["generated"])
	require.EqualValues(t, 2, status["attempt"])
	require.Equal(t, "2024-03-01T12:00:00Z", status["startedAt"])
	require.EqualValues(t, 0, status["inFlight"])
}
