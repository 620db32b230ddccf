package web

import (
	"net/http"

	"github.com/myrmex-ai/myrmex/internal/chat"
	"github.com/myrmex-ai/myrmex/internal/store"
	"github.com/myrmex-ai/myrmex/pkg/models"
)

// embeddedMessageLimit bounds the transcript embedded in a session detail
// response.
const embeddedMessageLimit = 1000

type createSessionRequest struct {
	AgentID       string         `json:"agent_id"`
	Type          string         `json:"type,omitempty"`
	Title         string         `json:"title,omitempty"`
	Model         string         `json:"model,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	ContextWindow int            `json:"context_window,omitempty"`
	SystemPrompt  string         `json:"system_prompt,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AgentID == "" {
		jsonError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	session := &models.Session{
		AgentID:       req.AgentID,
		Type:          models.SessionType(req.Type),
		Title:         req.Title,
		Model:         req.Model,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		ContextWindow: req.ContextWindow,
		SystemPrompt:  req.SystemPrompt,
		Metadata:      req.Metadata,
	}
	if err := s.store.CreateSession(r.Context(), session); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

type sessionListResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(r, "page_size", 50)

	filter := store.ListSessionsFilter{
		AgentID: r.URL.Query().Get("agent_id"),
		Status:  models.SessionStatus(r.URL.Query().Get("status")),
		Limit:   pageSize,
		Offset:  (page - 1) * pageSize,
	}
	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, sessionListResponse{
		Sessions: sessions,
		Page:     page,
		PageSize: pageSize,
	})
}

type sessionDetailResponse struct {
	Session  *models.Session   `json:"session"`
	Messages []*models.Message `json:"messages"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	messages, err := s.store.GetHistory(r.Context(), id, embeddedMessageLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, sessionDetailResponse{Session: session, Messages: messages})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.EndSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Content        string `json:"content"`
	EnableThinking bool   `json:"enable_thinking,omitempty"`
	EnableTools    bool   `json:"enable_tools,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Content == "" {
		jsonError(w, http.StatusBadRequest, "content is required")
		return
	}

	resp, err := s.engine.SendMessage(r.Context(), r.PathValue("id"), req.Content, chatOptions(req))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearchMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		jsonError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := queryInt(r, "limit", 50)

	messages, err := s.store.SearchMessages(r.Context(), query, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string][]*models.Message{"messages": messages})
}

func chatOptions(req sendMessageRequest) chat.SendOptions {
	return chat.SendOptions{
		EnableThinking: req.EnableThinking,
		EnableTools:    req.EnableTools,
	}
}
