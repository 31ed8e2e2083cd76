package runner

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	kithttputil "github.com/rudderlabs/rudder-go-kit/httputil"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-reconciler/reconciler"
)

type statusProvider interface {
	Status() reconciler.Status
}

func (r *Runner) statusHandler(rec statusProvider) http.Handler {
	mux := chi.NewRouter()
	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"UP"}`))
	})
	mux.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, r.versionInfo())
	})
	mux.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, rec.Status())
	})
	return mux
}

func (r *Runner) serveStatus(ctx context.Context, rec statusProvider) error {
	port := r.conf.GetIntVar(8089, 1, "Reconciler.statusServer.port")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r.statusHandler(rec),
		ReadHeaderTimeout: r.conf.GetDurationVar(3, time.Second, "Reconciler.statusServer.readHeaderTimeout"),
	}
	r.logger.Infon("Starting status server", logger.NewIntField("port", int64(port)))
	return kithttputil.ListenAndServe(ctx, srv, r.conf.GetDurationVar(10, time.Second, "Reconciler.statusServer.shutdownTimeout"))
}

func writeJSON(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
