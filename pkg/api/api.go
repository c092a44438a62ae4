// Package api exposes the control surface: fingerprint action links from
// notification emails, owner issue listings, interaction history and an
// HTTP ingestion endpoint.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spotify/comet-core/internal/chizap"
	"github.com/spotify/comet-core/internal/config"
	"github.com/spotify/comet-core/internal/fingerprint"
	"github.com/spotify/comet-core/internal/logging"
	"github.com/spotify/comet-core/pkg/ingest"
	"github.com/spotify/comet-core/pkg/models"
	"github.com/spotify/comet-core/pkg/store"
)

// fingerprintPattern bounds what is accepted from action links before any
// database lookup happens. The 8-1024 length bound is split across two
// repeats because Go's regexp caps a single repeat count at 1000.
var fingerprintPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{8,1000}[a-zA-Z0-9._-]{0,24}$`)

// actions maps URL path segments to the recorded ignore type.
var actions = map[string]string{
	"acceptrisk":    models.IgnoreAcceptRisk,
	"snooze":        models.IgnoreSnooze,
	"falsepositive": models.IgnoreFalsePositive,
	"acknowledge":   models.IgnoreAcknowledge,
	"escalate":      models.IgnoreEscalateManually,
	"resolve":       models.IgnoreResolved,
}

type Server struct {
	conf    *config.APIConfig
	store   *store.DataStore
	ingest  *ingest.Service
	auth    AuthProvider
	limiter *rate.Limiter
}

func NewServer(conf *config.APIConfig, st *store.DataStore, ing *ingest.Service, auth AuthProvider) *Server {
	if auth == nil {
		auth = NewJWTProvider(conf.JWTSecret)
	}
	return &Server{
		conf:    conf,
		store:   st,
		ingest:  ing,
		auth:    auth,
		limiter: rate.NewLimiter(rate.Limit(conf.IngestRate), conf.IngestBurst),
	}
}

// Router builds the /v0 API router.
func (s *Server) Router(logger *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	r.Use(chizap.ChizapWithConfig(logger, &chizap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/v0/"},
	}))

	r.Route("/v0", func(r chi.Router) {
		r.Get("/", s.health)
		r.Get("/dbcheck", s.dbcheck)

		for action, ignoreType := range actions {
			r.Get("/"+action, s.actionGet(ignoreType))
			r.Post("/"+action, s.actionPost(ignoreType))
		}

		r.Get("/issues", s.issues)
		r.Get("/interactions/{fingerprint}", s.interactions)

		r.Post("/ingest/{sourceType}", s.ingestMessage)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "comet-api-v0"})
}

func (s *Server) dbcheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// actionGet handles the link a notification email embeds: the fingerprint
// and its HMAC token travel as query parameters and the response is a
// minimal page, the click comes from a browser.
func (s *Server) actionGet(ignoreType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fp := r.URL.Query().Get("fp")
		token := r.URL.Query().Get("t")
		if !fingerprintPattern.MatchString(fp) {
			writeHTML(w, http.StatusBadRequest, "Invalid fingerprint.")
			return
		}
		if !fingerprint.ValidToken(fp, token, s.conf.HMACSecret) {
			writeHTML(w, http.StatusForbidden, "Invalid or expired link.")
			return
		}
		if err := s.recordInteraction(r, fp, ignoreType); err != nil {
			writeHTML(w, http.StatusInternalServerError, "Something went wrong, please try again.")
			return
		}
		writeHTML(w, http.StatusOK, fmt.Sprintf("Thank you! The issue was recorded as %q.", ignoreType))
	}
}

type actionRequest struct {
	Fingerprint string `json:"fingerprint"`
	Token       string `json:"token"`
}

// actionPost is the programmatic variant: a valid HMAC token or an
// authenticated identity owning the fingerprint authorizes the action.
func (s *Server) actionPost(ignoreType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if !fingerprintPattern.MatchString(req.Fingerprint) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid fingerprint"})
			return
		}
		if !fingerprint.ValidToken(req.Fingerprint, req.Token, s.conf.HMACSecret) {
			if !s.ownsFingerprint(r, req.Fingerprint) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
				return
			}
		}
		if err := s.recordInteraction(r, req.Fingerprint, ignoreType); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not record interaction"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "action": ignoreType})
	}
}

// ownsFingerprint reports whether the authenticated identity owns the
// latest event carrying the fingerprint.
func (s *Server) ownsFingerprint(r *http.Request, fp string) bool {
	owners, err := s.auth.Owners(r)
	if err != nil {
		return false
	}
	latest, err := s.store.GetLatestEventWithFingerprint(r.Context(), fp)
	if err != nil || latest == nil {
		return false
	}
	for _, owner := range owners {
		if owner == latest.Owner {
			return true
		}
	}
	return false
}

func (s *Server) recordInteraction(r *http.Request, fp, ignoreType string) error {
	var expiresAt *time.Time
	if ignoreType == models.IgnoreSnooze {
		t := time.Now().UTC().Add(s.conf.SnoozeDuration)
		expiresAt = &t
	}

	metadata := map[string]any{}
	for _, header := range s.conf.MetadataHeaders {
		if value := r.Header.Get(header); value != "" {
			metadata[header] = value
		}
	}

	err := s.store.IgnoreEventFingerprint(r.Context(), fp, ignoreType, expiresAt, metadata)
	if err != nil {
		logging.FromContext(r.Context()).Error("api.record_interaction_failed",
			zap.String("fingerprint", fp),
			zap.String("ignore_type", ignoreType),
			zap.Error(err))
	}
	return err
}

type issueResponse struct {
	Fingerprint string         `json:"fingerprint"`
	SourceType  string         `json:"source_type"`
	Owner       string         `json:"owner"`
	ReceivedAt  time.Time      `json:"received_at"`
	Data        map[string]any `json:"data"`
}

func (s *Server) issues(w http.ResponseWriter, r *http.Request) {
	owners, err := s.auth.Owners(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	open, err := s.store.GetOpenIssues(r.Context(), owners)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not load issues"})
		return
	}
	issues := make([]issueResponse, 0, len(open))
	for _, event := range open {
		issues = append(issues, issueResponse{
			Fingerprint: event.Fingerprint,
			SourceType:  event.SourceType,
			Owner:       event.Owner,
			ReceivedAt:  event.ReceivedAt,
			Data:        event.Data,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

type interactionResponse struct {
	IgnoreType string         `json:"ignore_type"`
	ReportedAt time.Time      `json:"reported_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (s *Server) interactions(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	if !fingerprintPattern.MatchString(fp) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid fingerprint"})
		return
	}
	records, err := s.store.GetInteractionsFingerprint(r.Context(), fp)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not load interactions"})
		return
	}
	interactions := make([]interactionResponse, 0, len(records))
	for _, record := range records {
		interactions = append(interactions, interactionResponse{
			IgnoreType: record.IgnoreType,
			ReportedAt: record.ReportedAt,
			ExpiresAt:  record.ExpiresAt,
			Metadata:   record.RecordMetadata,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint":  fp,
		"interactions": interactions,
	})
}

// ingestMessage feeds a raw message into the ingestion pipeline, the HTTP
// counterpart of a registered input.
func (s *Server) ingestMessage(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}
	sourceType := chi.URLParam(r, "sourceType")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty message"})
		return
	}
	if !s.ingest.HandleMessage(r.Context(), sourceType, body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message rejected"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// requestID tags every request with a correlation id, echoed in the
// response and attached to the context logger.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)

		logger := logging.FromContext(r.Context()).With(zap.String("request_id", id))
		next.ServeHTTP(w, r.WithContext(logging.WithLogger(r.Context(), logger)))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeHTML(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!DOCTYPE html><html><body><p>%s</p></body></html>", message)
}
