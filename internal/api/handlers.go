package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/betbot/solbot/internal/bot"
	"github.com/betbot/solbot/internal/domain"
)

type commandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json body")
		return
	}
	cmd := bot.CommandByName(req.Command, req.Args)
	if cmd.Kind == bot.CommandUnknown {
		writeError(w, 400, "unknown command")
		return
	}
	writeJSON(w, 200, s.disp.Handle(r.Context(), currentUser(r), cmd))
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, 400, "text is required")
		return
	}
	writeJSON(w, 200, s.disp.HandleText(r.Context(), currentUser(r), req.Text))
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	msgs := s.notes.Drain(currentUser(r))
	writeJSON(w, 200, map[string]any{"notifications": msgs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, 200, Status{})
		return
	}
	writeJSON(w, 200, s.status())
}

type tokenRequest struct {
	UserID int64 `json:"uid"`
}

// handleToken 开发用：直接为任意 uid 签发 token
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		writeError(w, 400, "uid is required")
		return
	}
	expires := time.Now().Add(s.cfg.TokenTTL)
	token, err := generateToken(domain.UserID(req.UserID), s.cfg.JWTSecret, expires)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	s.log.WithField("user", req.UserID).Warn("签发开发 token")
	writeJSON(w, 200, map[string]any{"token": token, "expires_at": expires.UTC()})
}
