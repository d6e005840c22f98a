package system

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/csrf"
	"go.uber.org/zap"
)

// Envelope is the body of every contact API response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Health struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const (
	msgSent         = "Message sent! I will get back to you soon."
	msgMissing      = "All fields are required"
	msgInvalidEmail = "Invalid email address"
	msgBadBody      = "Invalid request body"
	msgSendFailed   = "Failed to send message, please try again later or email directly"
	msgInternal     = "Internal server error"
	msgNotFound     = "Not found"
	msgBadMethod    = "Method not allowed"
	msgForbidden    = "Forbidden"
	msgBlocked      = "Too many invalid requests, please try again later"
	msgHealthy      = "Contact form service is running"
)

// Router wires every route and middleware.
func (s *System) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.config.Sec.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(s.recoverer)
	r.Use(s.HitCounter)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders: []string{"X-CSRF-Token"},
		MaxAge:         300,
	}))
	r.Use(s.greylist.Protect)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		serveJSON(w, http.StatusNotFound, Envelope{Message: msgNotFound})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		serveJSON(w, http.StatusMethodNotAllowed, Envelope{Message: msgBadMethod})
	})

	r.Route("/api", func(r chi.Router) {
		if s.config.Sec.CSRFKey != "" {
			r.Use(csrf.Protect([]byte(s.config.Sec.CSRFKey),
				csrf.Secure(!s.config.Meta.DevelopmentMode),
				csrf.FieldName("_csrf"),
				csrf.CookieName(s.config.Sec.CookieName+"_csrf"),
				csrf.Path("/api"),
				csrf.ErrorHandler(http.HandlerFunc(s.csrfError))))
			r.Use(csrfHeader)
		}
		r.Post("/contact", s.ContactHandler)
		r.Get("/health", s.HealthHandler)
		r.Get("/ready", s.ReadyHandler)
		r.Get("/status", s.StatusHandler)
	})

	r.Get("/", s.ShellHandler)
	r.Get("/index.html", s.ShellHandler)
	r.Get("/js/*", s.StaticHandler)
	r.Get("/css/*", s.StaticHandler)
	r.Get("/webfonts/*", s.StaticHandler)
	r.Get("/favicon.ico", s.StaticHandler)
	r.Get("/favicon.png", s.StaticHandler)
	r.Get("/robots.txt", s.StaticHandler)
	return r
}

// HealthHandler never looks at the mail transport, see ReadyHandler for that.
func (s *System) HealthHandler(w http.ResponseWriter, r *http.Request) {
	serveJSON(w, http.StatusOK, Health{Status: "OK", Message: msgHealthy})
}

type readyReport struct {
	Ready bool        `json:"ready"`
	SMTP  interface{} `json:"smtp"`
}

// ReadyHandler reports the startup SMTP check: 503 until it has passed.
func (s *System) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ready := s.mail.Readiness()
	code := http.StatusOK
	if !ready.OK {
		code = http.StatusServiceUnavailable
	}
	serveJSON(w, code, readyReport{Ready: ready.OK, SMTP: ready})
}

// denied answers blocked addresses with the same envelope as every other API
// error.
func (s *System) denied(w http.ResponseWriter, r *http.Request, until time.Time) {
	if until.IsZero() {
		serveJSON(w, http.StatusForbidden, Envelope{Message: msgForbidden})
		return
	}
	left := math.Ceil(time.Until(until).Seconds())
	if left < 1 {
		left = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(left)))
	serveJSON(w, http.StatusForbidden, Envelope{Message: msgBlocked})
}

func (s *System) csrfError(w http.ResponseWriter, r *http.Request) {
	s.log.Debug("csrf check failed", zap.Error(csrf.FailureReason(r)), zap.String("path", r.URL.Path))
	serveJSON(w, http.StatusForbidden, Envelope{Message: msgForbidden})
}

func csrfHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-CSRF-Token", csrf.Token(r))
		h.ServeHTTP(w, r)
	})
}

// recoverer turns a panic into a JSON 500 instead of a dropped connection.
func (s *System) recoverer(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("panic serving request",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Stack("stack"))
				serveJSON(w, http.StatusInternalServerError, Envelope{Message: msgInternal})
			}
		}()
		h.ServeHTTP(w, r)
	})
}

func serveJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("error writing json response", zap.Error(err))
	}
}
