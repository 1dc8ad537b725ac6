// Package api exposes the session lifecycle, paid calls and the event stream over HTTP
package api

import (
	"crypto/subtle"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yegors/sessionpay/internal/api/httpx"
	"github.com/yegors/sessionpay/internal/apperr"
	"github.com/yegors/sessionpay/pkg/logger"
)

// EventStream serves websocket subscriptions
type EventStream interface {
	HandleConnection(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

// PaidRoute forwards a gated path to an upstream once the payment gate admits it
type PaidRoute struct {
	Path     string
	Upstream *url.URL
	Gate     func(http.Handler) http.Handler
}

// Options configures the router
type Options struct {
	// InternalToken guards debit, fulfil and reconciliation endpoints. Empty disables them.
	InternalToken      string
	CORSAllowedOrigins []string
	Version            string
	PaidRoutes         []PaidRoute
}

// Router wires handlers to paths
type Router struct {
	handler *Handler
	stream  EventStream
	opts    Options
	logger  *logger.Logger
}

// NewRouter creates a new router
func NewRouter(sessions Sessions, payments Payments, recs Reconciliations, stream EventStream, opts Options, log *logger.Logger) *Router {
	h := NewHandler(sessions, payments, recs, opts.Version, log)
	if stream != nil {
		h.subscribers = stream.ClientCount
	}
	return &Router{
		handler: h,
		stream:  stream,
		opts:    opts,
		logger:  log.Named("api-router"),
	}
}

// Routes returns the HTTP handler for every endpoint
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(rt.logRequests)
	r.Use(rt.cors)

	h := rt.handler
	r.Get("/health", h.GetHealth)

	r.Route("/session", func(r chi.Router) {
		r.Post("/create", h.CreateSession)
		r.Post("/activate", h.ActivateSession)
		r.Post("/revoke", h.RevokeSession)
		r.With(rt.requireInternal).Post("/debit", h.Debit)
		r.Get("/{ownerWallet}", h.GetSession)
	})
	r.With(rt.requireInternal).Post("/pay/fulfill", h.Fulfill)
	r.With(rt.requireInternal).Get("/reconciliations", h.ListReconciliations)

	if rt.stream != nil {
		r.Get("/ws", rt.stream.HandleConnection)
	}

	for _, p := range rt.opts.PaidRoutes {
		proxy := httputil.NewSingleHostReverseProxy(p.Upstream)
		proxy.ErrorHandler = rt.proxyError
		gated := p.Gate(proxy)
		r.Handle(p.Path, gated)
		r.Handle(strings.TrimSuffix(p.Path, "/")+"/*", gated)
		rt.logger.Info("Mounted paid route",
			logger.String("path", p.Path),
			logger.String("upstream", p.Upstream.String()))
	}
	return r
}

func (rt *Router) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	rt.logger.Error("Upstream request failed",
		logger.String("path", r.URL.Path),
		logger.Error(err))
	httpx.WriteJSON(w, http.StatusBadGateway, httpx.ErrorBody{Error: httpx.ErrorDetail{
		Code:    apperr.CodeNetworkError,
		Kind:    string(apperr.KindExecutionFailed),
		Message: "upstream unavailable",
	}})
}

// requireInternal admits requests carrying the internal bearer token
func (rt *Router) requireInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := parseBearer(r.Header.Get("Authorization"))
		want := rt.opts.InternalToken
		if !ok || want == "" || subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
			rt.handler.fail(w, r, apperr.New(apperr.KindValidation, apperr.CodeUnauthorized, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearer(authorization string) (string, bool) {
	authorization = strings.TrimSpace(authorization)
	if len(authorization) < 7 || !strings.EqualFold(authorization[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(authorization[7:])
	return token, token != ""
}

func (rt *Router) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && rt.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-PAYMENT")
			w.Header().Set("Access-Control-Expose-Headers", "X-PAYMENT-RESPONSE, PAYMENT-REQUIRED")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) originAllowed(origin string) bool {
	for _, o := range rt.opts.CORSAllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (rt *Router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		rt.logger.Debug("Request served",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("duration", time.Since(start)))
	})
}
