package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"AutoTrader-Chain/internal/conversation"
	xerrors "AutoTrader-Chain/internal/errors"
)

type createConversationRequest struct {
	Title    string         `json:"title"`
	AgentIDs []string       `json:"agentIds"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.tracker.CreateConversation(r.Context(), req.Title, req.AgentIDs, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if agentID := r.URL.Query().Get("agentId"); agentID != "" {
		writeJSON(w, http.StatusOK, s.tracker.GetConversationsByAgent(r.Context(), agentID))
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.GetAllConversations(r.Context()))
}

func (s *Server) handleConversationDetail(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.tracker.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeError(w, conversation.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type addMessageRequest struct {
	Type            conversation.MessageType `json:"type"`
	Sender          string                   `json:"sender"`
	Content         string                   `json:"content"`
	Metadata        map[string]any           `json:"metadata"`
	ParentMessageID string                   `json:"parentMessageId"`
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req addMessageRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	typ := conversation.MessageType(strings.ToUpper(string(req.Type)))
	id, err := s.tracker.AddMessage(r.Context(), chi.URLParam(r, "id"), typ, req.Sender, req.Content,
		conversation.WithMetadata(req.Metadata), conversation.WithParent(req.ParentMessageID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	if _, ok := s.tracker.GetConversation(r.Context(), convID); !ok {
		writeError(w, conversation.ErrNotFound)
		return
	}
	query := r.URL.Query()
	switch {
	case query.Get("sender") != "":
		writeJSON(w, http.StatusOK, s.tracker.GetMessagesBySender(r.Context(), convID, query.Get("sender")))
	case query.Get("type") != "":
		typ := conversation.MessageType(strings.ToUpper(query.Get("type")))
		writeJSON(w, http.StatusOK, s.tracker.GetMessagesByType(r.Context(), convID, typ))
	default:
		msgs, _ := s.tracker.GetMessages(r.Context(), convID)
		writeJSON(w, http.StatusOK, msgs)
	}
}

type addLLMResponseRequest struct {
	AgentID  string         `json:"agentId"`
	Prompt   string         `json:"prompt"`
	Response string         `json:"response"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleAddLLMResponse(w http.ResponseWriter, r *http.Request) {
	var req addLLMResponseRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	promptID, responseID, err := s.tracker.AddLLMResponse(r.Context(), chi.URLParam(r, "id"),
		req.AgentID, req.Prompt, req.Response, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"promptMessageId":   promptID,
		"responseMessageId": responseID,
	})
}

func (s *Server) handleArchiveConversation(w http.ResponseWriter, r *http.Request) {
	location, err := s.tracker.ArchiveConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"location": location})
}

func (s *Server) handleMessageDetail(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.tracker.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "message not found"))
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
