package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"experimentd/internal/experiment"
	"experimentd/internal/runner"
	"experimentd/internal/storage"
	logx "experimentd/pkg/logx"
)

const maxBodyBytes = 32 << 20

type Runner interface {
	Snapshot() runner.Snapshot
	RegisterExperiment(ctx context.Context, id string) error
}

type Store interface {
	CreateExperiment(ctx context.Context, exp *experiment.Experiment) error
	GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error)
	DeleteExperiment(ctx context.Context, id string) error
	ListRuns(ctx context.Context, experimentID string) ([]experiment.Run, error)
}

// Checker rejects experiments naming tasks or evaluators nobody registered.
type Checker interface {
	Check(exp *experiment.Experiment) error
}

// Health reports liveness detail for /healthz. A nil error means healthy.
type Health func() (detail any, err error)

// Deps are the handler's collaborators. Nil members disable their routes.
type Deps struct {
	Runner  Runner
	Store   Store
	Catalog Checker
	Metrics http.Handler
	Health  Health
}

// NewHandler builds the mux. Every route except /healthz requires the token
// when one is configured.
func NewHandler(cfg Config, deps Deps, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{deps: deps, log: log}
	auth := func(fn http.HandlerFunc) http.Handler { return withAuth(cfg.Token, fn) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", withAuth(cfg.Token, deps.Metrics))
	}
	if deps.Runner != nil {
		mux.Handle("GET /v1/snapshot", auth(h.snapshot))
	}
	if deps.Store != nil {
		mux.Handle("POST /v1/experiments", auth(h.createExperiment))
		mux.Handle("GET /v1/experiments/{id}", auth(h.getExperiment))
		mux.Handle("DELETE /v1/experiments/{id}", auth(h.deleteExperiment))
		mux.Handle("GET /v1/experiments/{id}/runs", auth(h.listRuns))
	}
	if cfg.Pprof {
		mountPprof(mux, cfg.PprofPrefix, auth)
	}
	return mux
}

type handler struct {
	deps Deps
	log  logx.Logger
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	detail, err := h.deps.Health()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error(), "detail": detail})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "detail": detail})
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Runner.Snapshot())
}

type createResponse struct {
	ID   string `json:"id"`
	Runs int    `json:"runs"`
	// Registered is false when the runner could not pick the experiment up
	// right away; the periodic registration pass will.
	Registered bool `json:"registered"`
}

func (h *handler) createExperiment(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	var exp experiment.Experiment
	if err := dec.Decode(&exp); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := exp.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if h.deps.Catalog != nil {
		if err := h.deps.Catalog.Check(&exp); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := h.deps.Store.CreateExperiment(r.Context(), &exp); err != nil {
		if errors.Is(err, storage.ErrExists) {
			writeError(w, http.StatusConflict, err)
			return
		}
		h.log.Warn("create experiment failed", logx.String("experiment", exp.ID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := createResponse{ID: exp.ID, Runs: exp.RunCount()}
	if h.deps.Runner != nil {
		// Registration outlives the request; a client hanging up must not abort the claim.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
		err := h.deps.Runner.RegisterExperiment(ctx, exp.ID)
		cancel()
		if err != nil {
			h.log.Warn("register experiment failed", logx.String("experiment", exp.ID), logx.Err(err))
		} else {
			resp.Registered = true
		}
	}
	h.log.Info("experiment created", logx.String("experiment", exp.ID), logx.Int("runs", resp.Runs))
	writeJSON(w, http.StatusCreated, resp)
}

func (h *handler) getExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := h.deps.Store.GetExperiment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (h *handler) deleteExperiment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.deps.Store.DeleteExperiment(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	h.log.Info("experiment deleted", logx.String("experiment", id))
	w.WriteHeader(http.StatusNoContent)
}

type runsResponse struct {
	ExperimentID string                       `json:"experiment_id"`
	Counts       map[experiment.RunStatus]int `json:"counts"`
	Runs         []experiment.Run             `json:"runs"`
}

// listRuns accepts ?status=PENDING,FAILED to filter.
func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	runs, err := h.deps.Store.ListRuns(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	want := map[experiment.RunStatus]bool{}
	for _, s := range strings.Split(r.URL.Query().Get("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			want[experiment.RunStatus(strings.ToUpper(s))] = true
		}
	}

	resp := runsResponse{ExperimentID: id, Counts: map[experiment.RunStatus]int{}, Runs: []experiment.Run{}}
	for _, run := range runs {
		resp.Counts[run.Status]++
		if len(want) == 0 || want[run.Status] {
			resp.Runs = append(resp.Runs, run)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Authorization: Bearer <token>, or ?token=<token> for browsers.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func mountPprof(mux *http.ServeMux, prefix string, auth func(http.HandlerFunc) http.Handler) {
	prefix = normalizePrefix(prefix)
	base := strings.TrimSuffix(prefix, "/")
	mux.Handle(prefix, auth(pprofIndexAt(prefix)))
	mux.Handle(base+"/cmdline", auth(hpprof.Cmdline))
	mux.Handle(base+"/profile", auth(hpprof.Profile))
	mux.Handle(base+"/symbol", auth(hpprof.Symbol))
	mux.Handle(base+"/trace", auth(hpprof.Trace))
}

// pprof.Index assumes requests rooted at /debug/pprof/; rewrite the path so a
// custom prefix works without forking net/http/pprof.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, prefix)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}
