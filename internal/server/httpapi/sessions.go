package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/dmitrijs2005/memoryweaver/internal/server/services"
	"github.com/dmitrijs2005/memoryweaver/internal/sessions"
	"github.com/go-chi/chi/v5"
)

type startSessionRequest struct {
	GuildID string          `json:"guild_id"`
	Config  sessions.Config `json:"config"`
}

type sessionFileResponse struct {
	File    *services.CreateResult `json:"file"`
	Session *sessions.Session      `json:"session,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var body startSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil && err != io.EOF {
		s.writeError(w, r, badRequest("malformed body", err.Error()))
		return
	}
	sess, err := s.sessions.Start(r.Context(), userID(r.Context()), body.GuildID, body.Config)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"), userID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionFile(w http.ResponseWriter, r *http.Request) {
	req, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.OwnerID = userID(r.Context())

	res, sess, err := s.sessions.UploadFile(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil && res == nil {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		// stored and committed, only the session bookkeeping failed
		s.logger.Warn(r.Context(), "session not updated", "error", err)
	}
	writeJSON(w, http.StatusCreated, sessionFileResponse{File: res, Session: sess})
}
