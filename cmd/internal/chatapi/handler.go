// Package chatapi serves Courier's read-side HTTP endpoints: the inbox, a
// conversation's history and the explicit start-or-get conversation call.
package chatapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/messaging"
)

const maxBodyBytes = 16 << 10

// Handler wires chat HTTP endpoints to the messaging service.
type Handler struct {
	log      *slog.Logger
	svc      *messaging.Service
	verifier auth.Verifier
	now      func() time.Time
}

// NewHandler constructs a chat API Handler.
func NewHandler(log *slog.Logger, svc *messaging.Service, verifier auth.Verifier) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chatapi: nil messaging service")
	}
	if verifier == nil {
		return nil, errors.New("chatapi: nil verifier")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:      log,
		svc:      svc,
		verifier: verifier,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/api/chat/inbox", h.handleInbox)
	mux.HandleFunc("/api/chat/messages/{conversationId}", h.handleHistory)
	mux.HandleFunc("/api/chat/start", h.handleStart)
}

// ---- handlers ----

func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	entries, err := h.svc.Inbox(r.Context(), p.UserID)
	if err != nil {
		h.writeServiceError(w, "chat.inbox.fail", p.UserID, err)
		return
	}

	writeJSON(w, http.StatusOK, toInboxResponse(entries))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	hist, err := h.svc.History(r.Context(), p.UserID, r.PathValue("conversationId"))
	if err != nil {
		h.writeServiceError(w, "chat.history.fail", p.UserID, err)
		return
	}

	writeJSON(w, http.StatusOK, toHistoryResponse(hist))
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req startRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	recipient := strings.TrimSpace(req.RecipientID)
	if recipient == "" {
		recipient = strings.TrimSpace(req.UserID)
	}

	conv, created, err := h.svc.StartConversation(r.Context(), p.UserID, recipient)
	if err != nil {
		h.writeServiceError(w, "chat.start.fail", p.UserID, err)
		return
	}

	h.log.Info("chat.start", "user_id", p.UserID, "conversation_id", conv.ID, "created", created)

	writeJSON(w, http.StatusOK, startResponse{
		Success:        true,
		Message:        "Conversation retrieved or created successfully.",
		ConversationID: conv.ID,
		Created:        created,
	})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, err := auth.Authenticate(r.Context(), h.verifier, auth.TokenFromRequest(r), h.now())
	if err != nil {
		msg := auth.ErrInvalidToken.Error()
		if errors.Is(err, auth.ErrMissingToken) {
			msg = auth.ErrMissingToken.Error()
		}
		writeError(w, http.StatusUnauthorized, "unauthorized", msg)
		return auth.Principal{}, false
	}
	return p, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, event, userID string, err error) {
	switch {
	case messaging.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_input", messaging.UserMessage(err))
	case messaging.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", messaging.UserMessage(err))
	default:
		h.log.Error(event, "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
