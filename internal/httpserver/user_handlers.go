package httpserver

import (
	"net/http"

	"portalchat/internal/logger"
	"portalchat/internal/service"
)

// @Summary      Online users
// @Tags         users
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  envelope{data=[]domain.User}
// @Router       /users/online [get]
func handleListOnlineUsers(userSvc *service.UserService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := userSvc.ListOnline(r.Context())
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "ok", users)
	}
}

// @Summary      Get user
// @Tags         users
// @Produce      json
// @Security     BearerAuth
// @Param        userID path int true "User ID"
// @Success      200  {object}  envelope{data=domain.User}
// @Failure      404  {object}  envelope
// @Router       /users/{userID} [get]
func handleGetUser(userSvc *service.UserService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "userID")
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		user, err := userSvc.GetByID(r.Context(), id)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "ok", user)
	}
}

// @Summary      Presence heartbeat
// @Description  Keeps the caller online for clients without a websocket
// @Tags         users
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  envelope
// @Router       /presence/heartbeat [post]
func handleHeartbeat(userSvc *service.UserService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := userSvc.Heartbeat(r.Context(), CurrentUser(r).ID); err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "ok", nil)
	}
}
