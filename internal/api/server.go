package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mailflow/internal/scheduler"
	"mailflow/internal/store"
)

type Server struct {
	r         *chi.Mux
	scheduler *scheduler.Service
	store     store.Store
	sessions  *sessionStore

	authEmail    string
	authPassword string
}

type AuthConfig struct {
	Email    string
	Password string
	TokenTTL time.Duration
}

func NewServer(sched *scheduler.Service, st store.Store, auth AuthConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{
		r:            r,
		scheduler:    sched,
		store:        st,
		sessions:     newSessionStore(auth.TokenTTL),
		authEmail:    auth.Email,
		authPassword: auth.Password,
	}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/auth/login", s.login)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/emails/schedule", s.scheduleCampaign)
		r.Get("/emails/scheduled", s.listScheduled)
		r.Get("/emails/sent", s.listSent)
		r.Get("/emails/failed", s.listFailed)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("mailflow_up 1\n"))
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResp struct {
	Token string `json:"token"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid login payload")
		return
	}
	okEmail := subtle.ConstantTimeCompare([]byte(strings.ToLower(strings.TrimSpace(req.Email))), []byte(strings.ToLower(s.authEmail))) == 1
	okPassword := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.authPassword)) == 1
	if !okEmail || !okPassword {
		writeError(w, 401, "invalid credentials")
		return
	}
	writeJSON(w, 200, loginResp{Token: s.sessions.Issue(s.authEmail)})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			writeError(w, 401, "missing bearer token")
			return
		}
		if _, ok := s.sessions.Lookup(token); !ok {
			writeError(w, 401, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type scheduleReq struct {
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	Emails    []string `json:"emails"`
	StartTime string   `json:"startTime"`
	Delay     int      `json:"delay"` // seconds between recipients
}

type scheduleResp struct {
	CampaignID string `json:"campaign_id"`
}

func (s *Server) scheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid schedule payload")
		return
	}
	id, err := s.scheduler.Submit(r.Context(), scheduler.SubmitRequest{
		Subject:      req.Subject,
		Body:         req.Body,
		Recipients:   req.Emails,
		StartTime:    req.StartTime,
		DelaySeconds: req.Delay,
	})
	var verr *scheduler.ValidationError
	if errors.As(err, &verr) {
		writeError(w, 400, verr.Error())
		return
	}
	if err != nil {
		writeError(w, 500, "failed to schedule campaign")
		return
	}
	writeJSON(w, http.StatusAccepted, scheduleResp{CampaignID: id})
}

func (s *Server) listScheduled(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, s.store.ListPending)
}

func (s *Server) listSent(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, s.store.ListSent)
}

func (s *Server) listFailed(w http.ResponseWriter, r *http.Request) {
	s.list(w, r, s.store.ListFailed)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, fetch func(context.Context) ([]store.EmailView, error)) {
	views, err := fetch(r.Context())
	if err != nil {
		writeError(w, 500, "failed to list emails")
		return
	}
	if views == nil {
		views = []store.EmailView{}
	}
	writeJSON(w, 200, views)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}
