package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/chutney/internal/execution"
	"github.com/rendis/chutney/internal/metrics"
	"github.com/rendis/chutney/internal/network"
	"github.com/rendis/chutney/internal/store"
	"github.com/rendis/chutney/pkg/schema"
)

const maxBodyBytes = 8 << 20

// Delegation runs step calls forwarded by other agents.
type Delegation interface {
	ExecuteDelegated(ctx context.Context, req *schema.DelegationRequest) *schema.StepOutcome
}

// Topology is the agent side of network discovery.
type Topology interface {
	HandleExplore(ctx context.Context, req *schema.ExploreRequest) (*schema.ExploreResult, error)
	HandleWrapUp(desc *schema.NetworkDescription) error
	Configure(ctx context.Context, cfg schema.NetworkConfiguration) (*schema.NetworkDescription, error)
	Configuration() schema.NetworkConfiguration
	Current() (*schema.NetworkDescription, bool)
	State() network.ConfigurationState
}

// Executions controls the local scenario executions.
type Executions interface {
	Start(ctx context.Context, scenario *schema.Scenario) (int64, error)
	Status(ctx context.Context, id int64) (*schema.ExecutionReport, error)
	Pause(ctx context.Context, id int64) error
	Resume(ctx context.Context, id int64) error
	Stop(ctx context.Context, id int64) error
	List() []*store.ExecutionSummary
	PoolMetrics() execution.PoolMetrics
}

// Deps wires the router. Nil dependencies leave their routes unmounted.
type Deps struct {
	Agent      schema.NamedHostAndPort
	Delegation Delegation
	Topology   Topology
	Executions Executions
	Logger     *slog.Logger
	Version    string
}

// NewRouter builds the agent HTTP API.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": version,
			"agent":   deps.Agent.Name,
		})
	})

	r.Route("/api/v1", func(api chi.Router) {
		if deps.Delegation != nil {
			api.Post("/delegation/execute", func(w http.ResponseWriter, r *http.Request) {
				var req schema.DelegationRequest
				if err := decodeJSON(r, &req); err != nil {
					writeError(w, logger, err)
					return
				}
				writeJSON(w, http.StatusOK, deps.Delegation.ExecuteDelegated(r.Context(), &req))
			})
		}

		if deps.Topology != nil {
			mountNetwork(api, deps.Topology, logger)
		}
		if deps.Executions != nil {
			mountExecutions(api, deps.Executions, logger)
		}
	})

	return r
}

func mountNetwork(api chi.Router, topo Topology, logger *slog.Logger) {
	api.Route("/agent-network", func(n chi.Router) {
		n.Get("/", func(w http.ResponseWriter, r *http.Request) {
			desc, ok := topo.Current()
			if !ok {
				writeError(w, logger, schema.NewError(schema.ErrCodeNotFound, "no network description yet"))
				return
			}
			writeJSON(w, http.StatusOK, desc)
		})

		n.Get("/state", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"state": string(topo.State())})
		})

		n.Post("/explore", func(w http.ResponseWriter, r *http.Request) {
			var req schema.ExploreRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, logger, err)
				return
			}
			res, err := topo.HandleExplore(r.Context(), &req)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		})

		n.Post("/wrap-up", func(w http.ResponseWriter, r *http.Request) {
			var desc schema.NetworkDescription
			if err := decodeJSON(r, &desc); err != nil {
				writeError(w, logger, err)
				return
			}
			if err := topo.HandleWrapUp(&desc); err != nil {
				writeError(w, logger, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		n.Post("/configure", func(w http.ResponseWriter, r *http.Request) {
			cfg := topo.Configuration()
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, logger, schema.NewErrorf(schema.ErrCodeValidation, "read body: %v", err))
				return
			}
			if len(bytes.TrimSpace(body)) > 0 {
				var override schema.NetworkConfiguration
				if err := json.Unmarshal(body, &override); err != nil {
					writeError(w, logger, schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %v", err))
					return
				}
				if len(override.Agents) > 0 {
					cfg.Agents = override.Agents
				}
				if len(override.Targets) > 0 {
					cfg.Targets = override.Targets
				}
			}
			desc, err := topo.Configure(r.Context(), cfg)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, desc)
		})
	})
}

func mountExecutions(api chi.Router, execs Executions, logger *slog.Logger) {
	api.Route("/executions", func(x chi.Router) {
		x.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"executions": execs.List(),
				"pool":       execs.PoolMetrics(),
			})
		})

		x.Post("/", func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, logger, schema.NewErrorf(schema.ErrCodeValidation, "read body: %v", err))
				return
			}
			scenario, err := schema.ParseScenario(body)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			id, err := execs.Start(r.Context(), scenario)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]int64{"execution_id": id})
		})

		x.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, ok := executionID(w, r, logger)
			if !ok {
				return
			}
			report, err := execs.Status(r.Context(), id)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			writeJSON(w, http.StatusOK, report)
		})

		commands := map[string]func(context.Context, int64) error{
			"pause":  execs.Pause,
			"resume": execs.Resume,
			"stop":   execs.Stop,
		}
		for name, cmd := range commands {
			x.Post("/{id}/"+name, func(w http.ResponseWriter, r *http.Request) {
				id, ok := executionID(w, r, logger)
				if !ok {
					return
				}
				if err := cmd(r.Context(), id); err != nil {
					writeError(w, logger, err)
					return
				}
				writeJSON(w, http.StatusAccepted, map[string]any{"execution_id": id, "command": name})
			})
		}
	})
}

func executionID(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, logger, schema.NewError(schema.ErrCodeValidation, "invalid execution id"))
		return 0, false
	}
	return id, true
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %v", err).WithCause(err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error *schema.Error `json:"error"`
}

var codeStatus = map[string]int{
	schema.ErrCodeValidation:          http.StatusBadRequest,
	schema.ErrCodeUnresolvedParameter: http.StatusBadRequest,
	schema.ErrCodeUnknownAction:       http.StatusBadRequest,
	schema.ErrCodeNotFound:            http.StatusNotFound,
	schema.ErrCodeConflict:            http.StatusConflict,
	schema.ErrCodeInvalidTransition:   http.StatusConflict,
	schema.ErrCodeLockTimeout:         http.StatusConflict,
	schema.ErrCodeConnectivity:        http.StatusBadGateway,
	schema.ErrCodeCircuitOpen:         http.StatusServiceUnavailable,
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var serr *schema.Error
	if !errors.As(err, &serr) {
		serr = schema.NewError(schema.ErrCodeExecution, err.Error())
	}
	status, ok := codeStatus[serr.Code]
	if !ok {
		status = http.StatusInternalServerError
		logger.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: serr})
}
