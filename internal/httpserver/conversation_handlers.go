package httpserver

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
	"portalchat/internal/service"
)

type createConversationRequest struct {
	Type           domain.ConversationType     `json:"type"`
	Name           *string                     `json:"name"`
	ParticipantIDs []int64                     `json:"participant_ids"`
	Metadata       domain.ConversationMetadata `json:"metadata"`
	IsEncrypted    bool                        `json:"is_encrypted"`
}

type flagRequest struct {
	Value bool `json:"value"`
}

type participantsRequest struct {
	UserIDs []int64 `json:"user_ids"`
}

// @Summary      Create conversation
// @Description  Creates a conversation. An existing direct conversation is returned with 200.
// @Tags         conversations
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        input body createConversationRequest true "Conversation"
// @Success      201  {object}  envelope{data=domain.ConversationView}
// @Success      200  {object}  envelope{data=domain.ConversationView}
// @Failure      422  {object}  envelope
// @Router       /conversations [post]
func handleCreateConversation(convSvc *service.ConversationService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createConversationRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, r, err)
			return
		}
		view, created, err := convSvc.Create(r.Context(), CurrentUser(r).ID, service.CreateConversationInput{
			Type:           req.Type,
			Name:           req.Name,
			ParticipantIDs: req.ParticipantIDs,
			Metadata:       req.Metadata,
			IsEncrypted:    req.IsEncrypted,
		})
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		if !created {
			writeOK(w, http.StatusOK, "conversation exists", view)
			return
		}
		writeOK(w, http.StatusCreated, "conversation created", view)
	}
}

// @Summary      List conversations
// @Tags         conversations
// @Produce      json
// @Security     BearerAuth
// @Param        archived query bool false "Only archived (true) or only active (false)"
// @Success      200  {object}  envelope{data=[]domain.ConversationView}
// @Router       /conversations [get]
func handleListConversations(convSvc *service.ConversationService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var archived *bool
		if v := r.URL.Query().Get("archived"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, log, r, domain.ErrInvalidInput)
				return
			}
			archived = &b
		}
		views, err := convSvc.ListForUser(r.Context(), CurrentUser(r).ID, archived)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "ok", views)
	}
}

// @Summary      Get conversation
// @Tags         conversations
// @Produce      json
// @Security     BearerAuth
// @Param        id path int true "Conversation ID"
// @Success      200  {object}  envelope{data=domain.ConversationView}
// @Failure      403  {object}  envelope
// @Failure      404  {object}  envelope
// @Router       /conversations/{id} [get]
func handleGetConversation(convSvc *service.ConversationService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		view, err := convSvc.Get(r.Context(), id, CurrentUser(r).ID)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "ok", view)
	}
}

// @Summary      Set a conversation flag
// @Description  Sets pinned, muted or archived for the caller only
// @Tags         conversations
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id path int true "Conversation ID"
// @Param        flag path string true "pinned, muted or archived"
// @Param        input body flagRequest true "Flag value"
// @Success      200  {object}  envelope{data=domain.ConversationSettings}
// @Router       /conversations/{id}/flags/{flag} [put]
func handleSetFlag(convSvc *service.ConversationService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		var req flagRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, r, err)
			return
		}
		flag := domain.ConversationFlag(chi.URLParam(r, "flag"))
		settings, err := convSvc.SetFlag(r.Context(), id, CurrentUser(r).ID, flag, req.Value)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "ok", settings)
	}
}

// @Summary      Patch conversation settings
// @Description  Applies a JSON Patch (RFC 6902) to the caller's settings
// @Tags         conversations
// @Accept       json-patch+json
// @Produce      json
// @Security     BearerAuth
// @Param        id path int true "Conversation ID"
// @Success      200  {object}  envelope{data=domain.ConversationSettings}
// @Failure      400  {object}  envelope
// @Router       /conversations/{id}/settings [patch]
func handlePatchSettings(convSvc *service.ConversationService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		patch, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			writeError(w, log, r, domain.ErrInvalidInput)
			return
		}
		settings, err := convSvc.PatchSettings(r.Context(), id, CurrentUser(r).ID, patch)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "ok", settings)
	}
}

// @Summary      Add participants
// @Tags         conversations
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id path int true "Conversation ID"
// @Param        input body participantsRequest true "Users to add"
// @Success      200  {object}  envelope{data=domain.ConversationView}
// @Failure      422  {object}  envelope
// @Router       /conversations/{id}/participants [post]
func handleAddParticipants(convSvc *service.ConversationService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		var req participantsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, r, err)
			return
		}
		view, err := convSvc.AddParticipants(r.Context(), id, CurrentUser(r).ID, req.UserIDs)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "participants added", view)
	}
}

// @Summary      Remove participant
// @Tags         conversations
// @Produce      json
// @Security     BearerAuth
// @Param        id path int true "Conversation ID"
// @Param        userID path int true "User ID"
// @Success      200  {object}  envelope
// @Failure      403  {object}  envelope
// @Router       /conversations/{id}/participants/{userID} [delete]
func handleRemoveParticipant(convSvc *service.ConversationService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		userID, err := pathID(r, "userID")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		if err := convSvc.RemoveParticipant(r.Context(), id, CurrentUser(r).ID, userID); err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "participant removed", nil)
	}
}

// @Summary      Who is typing
// @Tags         typing
// @Produce      json
// @Security     BearerAuth
// @Param        id path int true "Conversation ID"
// @Success      200  {object}  envelope{data=service.TypingState}
// @Router       /conversations/{id}/typing [get]
func handleListTyping(typingSvc *service.TypingService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		state, err := typingSvc.List(r.Context(), id, CurrentUser(r).ID)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "ok", state)
	}
}

// @Summary      Start or stop typing
// @Tags         typing
// @Produce      json
// @Security     BearerAuth
// @Param        id path int true "Conversation ID"
// @Success      200  {object}  envelope
// @Router       /conversations/{id}/typing [post]
// @Router       /conversations/{id}/typing [delete]
func handleTyping(typingSvc *service.TypingService, log logger.Logger, typing bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		userID := CurrentUser(r).ID
		if typing {
			err = typingSvc.Start(r.Context(), id, userID)
		} else {
			err = typingSvc.Stop(r.Context(), id, userID)
		}
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "ok", nil)
	}
}
