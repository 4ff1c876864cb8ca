package relay

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/editlock/api"
)

// Routes.
const (
	PathNotifications = "/v1/notifications"
	PathAccountLocks  = "/v1/accounts/{account}/locks"
	PathHealth        = "/healthz"
)

// NewRouter returns the relay's HTTP surface. The websocket endpoint stays
// outside the otelhttp wrapper so the connection can be hijacked.
func NewRouter(engine *Engine, ws WSHandlerConfig) http.Handler {
	rest := mux.NewRouter()
	rest.Handle(PathAccountLocks, otelhttp.WithRouteTag(PathAccountLocks, accountLocksHandler(engine))).Methods(http.MethodGet)
	rest.HandleFunc(PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	r := mux.NewRouter()
	r.Handle(PathNotifications, NewWSHandler(engine, ws)).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(otelhttp.NewHandler(rest, "editlock.relay",
		otelhttp.WithFilter(func(req *http.Request) bool { return req.URL.Path != PathHealth }),
	))
	return r
}

func accountLocksHandler(engine *Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := api.AccountKey(mux.Vars(r)["account"])
		if err := key.Validate(); err != nil {
			writeFailure(w, http.StatusBadRequest, Failure{Code: CodeInvalidRoutingKey, Detail: err.Error()})
			return
		}
		items, err := engine.Snapshot(r.Context(), key.Value)
		if err != nil {
			engine.logger.Warn("relay.http.snapshot_failed", "account_id", key.Value, "error", err)
			writeFailure(w, http.StatusInternalServerError, Failure{Code: CodeInternal, Detail: "snapshot failed"})
			return
		}
		writeJSON(w, http.StatusOK, api.AllLockedItems{Edits: items})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, f Failure) {
	writeJSON(w, status, api.ErrorFrame{Type: api.ErrorFrameType, Code: f.Code, Detail: f.Detail})
}
