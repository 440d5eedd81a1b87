package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
	"portalchat/internal/service"
)

type sendMessageRequest struct {
	Content     string              `json:"content"`
	Type        domain.MessageType  `json:"type"`
	Attachments []domain.Attachment `json:"attachments"`
	ReplyToID   *int64              `json:"reply_to_id"`
	ThreadID    *int64              `json:"thread_id"`
	Mentions    []int64             `json:"mentions"`
	Metadata    json.RawMessage     `json:"metadata"`
	ClientKey   *string             `json:"client_key"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

type markReadRequest struct {
	MessageID int64 `json:"message_id"`
}

// messagesResponse is a page of messages, optionally grouped for display.
type messagesResponse struct {
	*domain.MessagePage
	Groups []service.DateGroup `json:"groups,omitempty"`
}

// @Summary      List messages
// @Description  Returns an ascending window of the conversation log
// @Tags         messages
// @Produce      json
// @Security     BearerAuth
// @Param        id      path  int    true  "Conversation ID"
// @Param        before  query int    false "Messages with seq below this"
// @Param        after   query int    false "Messages with seq above this"
// @Param        limit   query int    false "Page size"
// @Param        grouped query bool   false "Add date groups and run markers"
// @Param        tz      query string false "IANA time zone for date groups"
// @Success      200  {object}  envelope{data=messagesResponse}
// @Failure      400  {object}  envelope
// @Router       /conversations/{id}/messages [get]
func handleListMessages(msgSvc *service.MessageService, gap time.Duration, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		page, grouped, loc, err := parseListQuery(r.URL.Query())
		if err != nil {
			writeError(w, log, r, err)
			return
		}

		res, err := msgSvc.List(r.Context(), id, CurrentUser(r).ID, page)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		out := messagesResponse{MessagePage: res}
		if grouped {
			out.Groups = service.GroupMessages(res.Messages, loc, gap)
		}
		writeOK(w, http.StatusOK, "ok", out)
	}
}

func parseListQuery(q url.Values) (domain.PageRequest, bool, *time.Location, error) {
	var page domain.PageRequest
	for name, dst := range map[string]*int64{"before": &page.Before, "after": &page.After} {
		if v := q.Get(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return page, false, nil, fmt.Errorf("%w: invalid %s", domain.ErrInvalidInput, name)
			}
			*dst = n
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, false, nil, fmt.Errorf("%w: invalid limit", domain.ErrInvalidInput)
		}
		page.Limit = n
	}

	grouped := false
	if v := q.Get("grouped"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return page, false, nil, fmt.Errorf("%w: invalid grouped", domain.ErrInvalidInput)
		}
		grouped = b
	}
	loc := time.UTC
	if tz := q.Get("tz"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return page, false, nil, fmt.Errorf("%w: unknown time zone %q", domain.ErrInvalidInput, tz)
		}
		loc = l
	}
	return page, grouped, loc, nil
}

// @Summary      Send message
// @Tags         messages
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id    path int                true "Conversation ID"
// @Param        input body sendMessageRequest true "Message"
// @Success      201  {object}  envelope{data=domain.Message}
// @Failure      422  {object}  envelope
// @Router       /conversations/{id}/messages [post]
func handleSendMessage(msgSvc *service.MessageService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		var req sendMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, r, err)
			return
		}
		if req.Type == "" {
			req.Type = domain.MessageText
		}
		md, err := domain.DecodeMetadata(req.Type, req.Metadata)
		if err != nil {
			writeError(w, log, r, err)
			return
		}

		msg, err := msgSvc.Send(r.Context(), service.SendMessageInput{
			ConversationID: id,
			SenderID:       CurrentUser(r).ID,
			Content:        req.Content,
			Type:           req.Type,
			Attachments:    req.Attachments,
			ReplyToID:      req.ReplyToID,
			ThreadID:       req.ThreadID,
			Mentions:       req.Mentions,
			Metadata:       md,
			ClientKey:      req.ClientKey,
		})
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusCreated, "message sent", msg)
	}
}

// @Summary      Mark messages read
// @Description  Advances the caller's read cursor. message_id 0 reads everything.
// @Tags         messages
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id    path int             true "Conversation ID"
// @Param        input body markReadRequest false "Read up to this message"
// @Success      200  {object}  envelope{data=service.ReadReceipt}
// @Router       /conversations/{id}/read [post]
func handleMarkRead(msgSvc *service.MessageService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		var req markReadRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, log, r, err)
				return
			}
		}
		receipt, err := msgSvc.MarkRead(r.Context(), id, CurrentUser(r).ID, req.MessageID)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "ok", receipt)
	}
}

// @Summary      Edit message
// @Tags         messages
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id    path int                true "Message ID"
// @Param        input body editMessageRequest true "New content"
// @Success      200  {object}  envelope{data=domain.Message}
// @Failure      403  {object}  envelope
// @Router       /messages/{id} [patch]
func handleEditMessage(msgSvc *service.MessageService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		var req editMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, r, err)
			return
		}
		msg, err := msgSvc.Edit(r.Context(), id, CurrentUser(r).ID, req.Content)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "message edited", msg)
	}
}

// @Summary      Delete message
// @Description  Replaces the message with a tombstone
// @Tags         messages
// @Produce      json
// @Security     BearerAuth
// @Param        id path int true "Message ID"
// @Success      200  {object}  envelope{data=domain.Message}
// @Failure      403  {object}  envelope
// @Router       /messages/{id} [delete]
func handleDeleteMessage(msgSvc *service.MessageService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		msg, err := msgSvc.Delete(r.Context(), id, CurrentUser(r).ID)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "message deleted", msg)
	}
}

// @Summary      Add or remove a reaction
// @Tags         messages
// @Produce      json
// @Security     BearerAuth
// @Param        id    path int    true "Message ID"
// @Param        emoji path string true "Emoji"
// @Success      200  {object}  envelope{data=domain.Message}
// @Router       /messages/{id}/reactions/{emoji} [put]
// @Router       /messages/{id}/reactions/{emoji} [delete]
func handleReaction(msgSvc *service.MessageService, log logger.Logger, add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		emoji, err := url.PathUnescape(chi.URLParam(r, "emoji"))
		if err != nil || emoji == "" {
			writeError(w, log, r, fmt.Errorf("%w: invalid emoji", domain.ErrInvalidInput))
			return
		}
		var msg *domain.Message
		if add {
			msg, err = msgSvc.AddReaction(r.Context(), id, CurrentUser(r).ID, emoji)
		} else {
			msg, err = msgSvc.RemoveReaction(r.Context(), id, CurrentUser(r).ID, emoji)
		}
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "ok", msg)
	}
}
