package httpserver

import (
	"net/http"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
	"portalchat/internal/service"
)

type registerRequest struct {
	Username    string      `json:"username"`
	DisplayName string      `json:"display_name"`
	Email       *string     `json:"email"`
	Password    string      `json:"password"`
	Role        domain.Role `json:"role"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// @Summary      Register a new user
// @Description  Register a new user and return a token pair
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        input body registerRequest true "Register input"
// @Success      201  {object}  envelope{data=service.TokenResponse}
// @Failure      400  {object}  envelope
// @Failure      409  {object}  envelope
// @Router       /auth/register [post]
func handleRegister(authSvc *service.AuthService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, r, err)
			return
		}

		if _, err := authSvc.Register(r.Context(), service.RegisterInput{
			Username:    req.Username,
			DisplayName: req.DisplayName,
			Email:       req.Email,
			Password:    req.Password,
			Role:        req.Role,
		}); err != nil {
			writeError(w, log, r, err)
			return
		}

		// Registration logs the user straight in.
		resp, err := authSvc.Login(r.Context(), service.LoginInput{
			Username: req.Username,
			Password: req.Password,
		})
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusCreated, "registered", resp)
	}
}

// @Summary      Login
// @Description  Login with username and password
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        input body loginRequest true "Login input"
// @Success      200  {object}  envelope{data=service.TokenResponse}
// @Failure      401  {object}  envelope
// @Router       /auth/login [post]
func handleLogin(authSvc *service.AuthService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, r, err)
			return
		}
		resp, err := authSvc.Login(r.Context(), service.LoginInput{
			Username: req.Username,
			Password: req.Password,
		})
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "logged in", resp)
	}
}

// @Summary      Refresh tokens
// @Description  Exchange a refresh token for a new token pair
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        input body refreshRequest true "Refresh token"
// @Success      200  {object}  envelope{data=service.TokenResponse}
// @Failure      401  {object}  envelope
// @Router       /auth/refresh [post]
func handleRefresh(authSvc *service.AuthService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, log, r, err)
			return
		}
		resp, err := authSvc.Refresh(r.Context(), req.RefreshToken)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "token refreshed", resp)
	}
}

// @Summary      Current user
// @Tags         auth
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  envelope{data=domain.User}
// @Failure      401  {object}  envelope
// @Router       /auth/me [get]
func handleMe(userSvc *service.UserService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := userSvc.GetByID(r.Context(), CurrentUser(r).ID)
		if err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "ok", user)
	}
}

// @Summary      Logout
// @Description  Marks the user offline. Tokens expire on their own.
// @Tags         auth
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  envelope
// @Router       /auth/logout [post]
func handleLogout(userSvc *service.UserService, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := userSvc.SetOnline(r.Context(), CurrentUser(r).ID, false); err != nil {
			writeError(w, log, r, err)
			return
		}
		writeOK(w, http.StatusOK, "logged out", nil)
	}
}
