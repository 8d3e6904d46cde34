package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/internal/sched"
	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	AllocateAndInvoke(ctx context.Context, req types.GenerateRequest) (*types.GenerateResponse, error)
	AllocateAndInvokeStream(ctx context.Context, req types.GenerateRequest) (*sched.Stream, error)
	Status() types.StatusResponse
	Models() []types.Model
	Ready() bool
}

// NewMux builds the chi router for the scheduler service.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	// ListModels godoc
	// @Summary  List known models
	// @Produce  json
	// @Success  200 {object} types.ModelsResponse
	// @Router   /models [get]
	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(types.ModelsResponse{Models: svc.Models()}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	// Status godoc
	// @Summary  Combined scheduler status
	// @Produce  json
	// @Success  200 {object} types.StatusResponse
	// @Router   /status [get]
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	// Generate godoc
	// @Summary  Run one generation request through the scheduler
	// @Accept   json
	// @Produce  json
	// @Param    request body types.GenerateRequest true "generation request"
	// @Success  200 {object} types.GenerateResponse
	// @Failure  400 {object} types.ErrorResponse
	// @Failure  404 {object} types.ErrorResponse
	// @Failure  429 {object} types.ErrorResponse
	// @Failure  502 {object} types.ErrorResponse
	// @Failure  503 {object} types.ErrorResponse
	// @Router   /v1/generate [post]
	r.Post("/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeGenerateRequest(w, r)
		if !ok {
			return
		}
		lvl := requestLogLevel(r)
		logGenerate(r, lvl, "generate start", req.Service, 0, nil)

		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		resp, err := svc.AllocateAndInvoke(joinedCtx, req)
		if err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			status := mapError(err)
			writeJSONError(w, status, err.Error())
			logGenerate(r, lvl, "generate end", req.Service, status, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
		logGenerate(r, lvl, "generate end", req.Service, http.StatusOK, nil)
	})

	// GenerateStream godoc
	// @Summary  Stream a generation as NDJSON chunks
	// @Accept   json
	// @Produce  json
	// @Param    request body types.GenerateRequest true "generation request"
	// @Success  200 {object} types.StreamChunk
	// @Failure  400 {object} types.ErrorResponse
	// @Failure  429 {object} types.ErrorResponse
	// @Router   /v1/generate/stream [post]
	r.Post("/v1/generate/stream", func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeGenerateRequest(w, r)
		if !ok {
			return
		}
		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()

		st, err := svc.AllocateAndInvokeStream(joinedCtx, req)
		if err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			writeJSONError(w, mapError(err), err.Error())
			return
		}
		defer st.Close()

		w.Header().Set("Content-Type", "application/x-ndjson")
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		enc := json.NewEncoder(w)
		var lastUsage types.TokenInfo
		for {
			chunk, rerr := st.Recv()
			if chunk.Usage.TotalTokens > 0 {
				lastUsage = chunk.Usage
			}
			if rerr != nil {
				if errors.Is(rerr, io.EOF) {
					fallback, _ := st.IsFallback()
					final := types.StreamChunk{Done: true, IsFallback: fallback}
					if lastUsage.TotalTokens > 0 {
						final.TokenInfo = &lastUsage
					}
					_ = enc.Encode(final)
					if flush != nil {
						flush()
					}
				}
				return
			}
			if chunk.Text != "" {
				if err := enc.Encode(types.StreamChunk{Chunk: chunk.Text}); err != nil {
					return
				}
				if flush != nil {
					flush()
				}
			}
		}
	})

	// Healthz godoc
	// @Summary  Liveness probe
	// @Success  200 {string} string "ok"
	// @Router   /healthz [get]
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Readyz godoc
	// @Summary  Readiness probe; ready once a model is resident
	// @Success  200 {string} string "ready"
	// @Failure  503 {string} string "loading"
	// @Router   /readyz [get]
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// decodeGenerateRequest validates content type, size and required fields.
func decodeGenerateRequest(w http.ResponseWriter, r *http.Request) (types.GenerateRequest, bool) {
	var req types.GenerateRequest
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return req, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return req, false
	}
	if strings.TrimSpace(req.Service) == "" {
		writeJSONError(w, http.StatusBadRequest, "service is required")
		return req, false
	}
	return req, true
}

// mapError translates scheduler error taxonomy to HTTP status codes.
func mapError(err error) int {
	switch {
	case sched.IsQueueTimeout(err):
		IncrementBackpressure("queue_timeout")
		return http.StatusTooManyRequests
	case sched.IsQueueFull(err):
		IncrementBackpressure("queue_full")
		return http.StatusTooManyRequests
	case sched.IsCapacityExceeded(err):
		IncrementBackpressure("capacity")
		return http.StatusTooManyRequests
	case sched.IsUnknownService(err), sched.IsModelNotFound(err):
		return http.StatusNotFound
	case sched.IsModelLoadFailure(err), sched.IsGPUAllocationFailure(err):
		return http.StatusServiceUnavailable
	case sched.IsExecutorError(err):
		return http.StatusBadGateway
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

func logGenerate(r *http.Request, lvl LogLevel, msg, service string, status int, err error) {
	if lvl < LevelInfo {
		return
	}
	z := zlog.Info().Str("path", r.URL.Path).Str("service", service)
	if status != 0 {
		z = z.Int("status", status)
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	if err != nil {
		z = z.Err(err)
	}
	z.Msg(msg)
}
