package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ridecore/matching/internal/apperr"
	"github.com/ridecore/matching/internal/idempotency"
	"github.com/ridecore/matching/internal/logging"
	"github.com/ridecore/matching/internal/observability"
	"github.com/ridecore/matching/internal/pipeline"
)

type contextKey string

const (
	requestIDKey contextKey = "request-id"
	validatedKey contextKey = "validated-body"
)

// authStage resolves the bearer token to a subject id via s.Auth and
// stores it on the pipeline Context. Every route except register_driver
// (which predates having any subject) runs this first.
func (s *Server) authStage() pipeline.Stage {
	return func(pc *pipeline.Context, next pipeline.Next) (*pipeline.Response, error) {
		subjectID, err := s.Auth.Authenticate(pc.Req.Context(), pc.Req.Header.Get("Authorization"))
		if err != nil {
			return nil, err
		}
		pc.SubjectID = subjectID
		return next(pc)
	}
}

// validateStage decodes and validates the request body, stashing the
// result on the request context under validatedKey for the handler to
// type-assert back out.
func (s *Server) validateStage(decode func([]byte) (any, error)) pipeline.Stage {
	return func(pc *pipeline.Context, next pipeline.Next) (*pipeline.Response, error) {
		v, err := decode(pc.Body)
		if err != nil {
			return nil, err
		}
		pc.Req = pc.Req.WithContext(context.WithValue(pc.Req.Context(), validatedKey, v))
		return next(pc)
	}
}

// idempotencyStage wraps create_ride and capture_payment per spec §4.6:
// the fingerprint covers the request body re-encoded canonically (parsed
// JSON, object keys sorted), keyed by (endpoint, subject, client_key) once
// the auth stage has populated SubjectID. client_key itself is part of the
// body, so this stage runs before validateStage and re-parses just that one
// field. With no idempotency cache configured the stage passes through.
func (s *Server) idempotencyStage(endpoint string) pipeline.Stage {
	return func(pc *pipeline.Context, next pipeline.Next) (*pipeline.Response, error) {
		if s.Idemp == nil {
			return next(pc)
		}
		clientKey := clientKeyFrom(pc.Body)
		if clientKey == "" {
			return nil, apperr.New(apperr.Validation, "client_key is required")
		}
		var parsed any
		if err := json.Unmarshal(pc.Body, &parsed); err != nil {
			return nil, apperr.Wrap(apperr.Validation, "malformed body", err)
		}
		fingerprint, err := idempotency.Fingerprint(parsed)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "fingerprint request", err)
		}

		outcome, err := s.Idemp.Begin(pc.Req.Context(), endpoint, pc.SubjectID, clientKey, fingerprint)
		if err != nil {
			observability.IdempotencyHitsTotal.WithLabelValues("conflict").Inc()
			return nil, err
		}
		if outcome.Replay != nil {
			observability.IdempotencyHitsTotal.WithLabelValues("replay").Inc()
			return &pipeline.Response{StatusCode: outcome.Replay.StatusCode, Body: outcome.Replay.Body}, nil
		}
		observability.IdempotencyHitsTotal.WithLabelValues("lead").Inc()

		resp, err := next(pc)
		if err != nil {
			// A dependency failure (e.g. the PSP call itself errored) leaves
			// the operation safe to retry: drop the placeholder so a retry
			// with the same client_key gets Lead again instead of polling
			// for inflightWait and timing out against a placeholder that
			// will never complete.
			if apperr.Is(err, apperr.DependencyUnavailable) {
				if aerr := s.Idemp.Abort(pc.Req.Context(), endpoint, pc.SubjectID, clientKey); aerr != nil {
					s.logger.Warn("idempotency abort failed", "endpoint", endpoint, "error", aerr)
				}
			} else {
				// Any other failure would fail the same way on a retry with
				// this body, so it is recorded and replayed like a success.
				errBody, _ := json.Marshal(map[string]string{"error": err.Error()})
				if cerr := s.Idemp.Complete(pc.Req.Context(), endpoint, pc.SubjectID, clientKey, fingerprint, pipeline.StatusFor(err), errBody); cerr != nil {
					s.logger.Warn("idempotency complete failed", "endpoint", endpoint, "error", cerr)
				}
			}
			return nil, err
		}
		if cerr := s.Idemp.Complete(pc.Req.Context(), endpoint, pc.SubjectID, clientKey, fingerprint, resp.StatusCode, resp.Body); cerr != nil {
			s.logger.Warn("idempotency complete failed", "endpoint", endpoint, "error", cerr)
		}
		return resp, nil
	}
}

// clientKeyFrom extracts client_key without committing to a concrete
// request type, since the stage runs ahead of validateStage's decode.
func clientKeyFrom(body []byte) string {
	var probe struct {
		ClientKey string `json:"client_key"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.ClientKey
}

func newRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.observabilityMiddleware)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = newRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := routeTemplate(r)
		status := strconv.Itoa(ww.status)

		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())

		reqLogger := logging.ForRequest(s.logger, r, requestIDFromContext(r.Context()), route)
		reqLogger.Info("http_request", "status", ww.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				reqLogger := logging.ForRequest(s.logger, r, requestIDFromContext(r.Context()), routeTemplate(r))
				reqLogger.Error("panic recovered", "error", rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}
