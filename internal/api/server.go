// Package api exposes the coordinator over HTTP. Authentication happens in
// front of this service; the fronting layer injects the caller as the
// X-User-ID header and this surface only translates coordinator error kinds
// to status codes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/recordvault/recordvault/internal/coordinator"
	"github.com/recordvault/recordvault/internal/errs"
	"github.com/recordvault/recordvault/internal/model"
)

// Server exposes HTTP endpoints around a Coordinator.
type Server struct {
	addr    string
	coord   *coordinator.Coordinator
	maxBody int64
	log     zerolog.Logger
	server  *http.Server
}

// New constructs a Server.
func New(addr string, coord *coordinator.Coordinator, maxBody int64, log zerolog.Logger) *Server {
	return &Server{addr: addr, coord: coord, maxBody: maxBody, log: log}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Get("/healthz", s.handleHealth)
	r.Route("/records", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/{recordID}", s.handleGetMetadata)
		r.Get("/{recordID}/content", s.handleDownload)
		r.Get("/{recordID}/access", s.handleACLSnapshot)
		r.Post("/{recordID}/access", s.handleUpdateAccess)
		r.Post("/{recordID}/archive", s.handleArchive)
	})
	r.Get("/patients/{patientID}/records", s.handleListByPatient)
	r.Get("/search", s.handleSearch)

	s.server = &http.Server{Addr: s.addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("addr", s.addr).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createRequest is the JSON body of a create call. Content is base64 per
// encoding/json's []byte convention. Unknown fields are rejected rather
// than silently ignored.
type createRequest struct {
	PatientID string `json:"patientId"`
	FileType  string `json:"fileType"`
	Title     string `json:"title"`
	Content   []byte `json:"content"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.coord.Create(r.Context(), coordinator.CreateRequest{
		Content:   req.Content,
		PatientID: req.PatientID,
		CreatorID: userID,
		FileType:  req.FileType,
		Title:     req.Title,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	rec, err := s.coord.GetMetadata(r.Context(), chi.URLParam(r, "recordID"), userID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	content, err := s.coord.Download(r.Context(), chi.URLParam(r, "recordID"), userID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// accessRequest is the JSON body of an access update.
type accessRequest struct {
	GranteeID  string     `json:"granteeId"`
	Permission string     `json:"permission"`
	Action     string     `json:"action"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

func (s *Server) handleUpdateAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req accessRequest
	if !s.decode(w, r, &req) {
		return
	}
	acl, err := s.coord.UpdateAccess(r.Context(), chi.URLParam(r, "recordID"), coordinator.AccessUpdate{
		GranteeID:  req.GranteeID,
		Permission: model.Permission(req.Permission),
		Action:     coordinator.Action(req.Action),
		ExpiresAt:  req.ExpiresAt,
	}, userID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"acl": acl})
}

func (s *Server) handleACLSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	acl, err := s.coord.ACLSnapshot(r.Context(), chi.URLParam(r, "recordID"), userID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"acl": acl})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	recordID := chi.URLParam(r, "recordID")
	if err := s.coord.Archive(r.Context(), recordID, userID); err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"recordId": recordID, "status": string(model.StatusArchived)})
}

func (s *Server) handleListByPatient(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	recs, err := s.coord.ListByPatient(r.Context(), chi.URLParam(r, "patientID"), userID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"records": recs})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	recs, err := s.coord.Search(r.Context(), r.URL.Query().Get("q"), userID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"records": recs})
}

// caller reads the authenticated user injected by the fronting auth layer.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing X-User-ID"})
		return "", false
	}
	return userID, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request: " + err.Error()})
		return false
	}
	if dec.More() {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "trailing request data"})
		return false
	}
	return true
}

// respondError maps the error taxonomy to status codes. Anything outside
// the taxonomy is a plain 500 with no internals leaked.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindAccessDenied:
		status = http.StatusForbidden
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindBlobUnavailable, errs.KindLedgerUnavailable:
		status = http.StatusServiceUnavailable
	case errs.KindIntegrity, errs.KindBlobMissing, errs.KindLedgerRejected:
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	respondJSON(w, status, map[string]string{"error": kind.String()})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info().Str("method", r.Method).Str("path", r.URL.Path).Dur("elapsed", time.Since(start)).Msg("request")
	})
}
