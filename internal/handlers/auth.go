package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/amaterasu/apiserver/internal/metrics"
	"github.com/amaterasu/apiserver/internal/services"
	"github.com/amaterasu/apiserver/types"
	"github.com/go-chi/chi/v5"
)

// AuthHandler provides sign up, sign in and account recovery endpoints.
type AuthHandler struct {
	users    *services.UserService
	manager  *services.SessionManager
	sessions *Sessions
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(
	users *services.UserService,
	manager *services.SessionManager,
	sessions *Sessions,
	m *metrics.Metrics,
	log *slog.Logger,
) *AuthHandler {
	return &AuthHandler{users: users, manager: manager, sessions: sessions, metrics: m, log: log}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, h *AuthHandler) {
	r.Post("/signup", h.SignUp)
	r.Post("/signin", h.SignIn)
	r.Delete("/signout", h.SignOut)
	r.With(h.sessions.RequireUser).Get("/me", h.Me)
	r.Post("/activation", h.Activate)
	r.Post("/activation/resend", h.ResendActivation)
	r.Post("/password_resets", h.RequestPasswordReset)
	r.Put("/password_resets", h.ResetPassword)
}

// SignUp creates a pending account and mails its activation link.
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req types.NewUser
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.users.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, "failed to create user")
		return
	}
	h.metrics.Registration()

	writeJSON(w, http.StatusCreated, SignUpResponse{
		User:    user,
		Message: "please check your email to activate your account",
	})
}

// SignIn verifies credentials, binds the session and applies the remember choice.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	user, err := h.manager.AuthenticateCredentials(ctx, req.Email, req.Password)
	switch {
	case errors.Is(err, services.ErrAuthFailure):
		h.metrics.SignIn("auth_failure")
		writeServiceError(w, err, "")
		return
	case errors.Is(err, services.ErrAccountNotActivated):
		h.metrics.SignIn("not_activated")
		writeServiceError(w, err, "")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to authenticate")
		return
	}

	// Remember state is persisted before any cookie is written.
	var rememberToken string
	if req.RememberMe {
		rememberToken, err = h.manager.Remember(ctx, user)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to remember user")
			return
		}
	} else if err := h.manager.Forget(ctx, user); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign in")
		return
	}

	if req.RememberMe {
		if err := h.sessions.setRemember(w, user, rememberToken); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to remember user")
			return
		}
	} else {
		h.sessions.clearCookie(w, rememberCookie)
	}
	if err := h.sessions.setSession(w, user); err != nil {
		h.sessions.clearCookie(w, rememberCookie)
		writeError(w, http.StatusInternalServerError, "failed to sign in")
		return
	}

	sess := sessionFromContext(ctx)
	h.manager.SignIn(sess, user)
	h.metrics.SignIn("ok")
	h.log.InfoContext(ctx, "user signed in", "user_id", user.ID, "remember", req.RememberMe)

	redirect := sess.ReturnTo()
	if redirect == "" {
		redirect = fmt.Sprintf("/users/%d", user.ID)
	}
	h.sessions.clearCookie(w, returnToCookie)

	writeJSON(w, http.StatusOK, SignInResponse{User: user, RedirectTo: redirect})
}

// SignOut forgets the user and clears every auth cookie. Anonymous calls succeed.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.SignOut(r.Context(), sessionFromContext(r.Context())); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign out")
		return
	}
	h.sessions.clearCookie(w, sessionCookie)
	h.sessions.clearCookie(w, rememberCookie)
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the current signed-in user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, _ := currentUser(r.Context())
	writeJSON(w, http.StatusOK, user)
}

// Activate consumes an activation token and signs the user in.
func (h *AuthHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.users.Activate(r.Context(), req.Email, req.Token)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidToken):
			h.metrics.Activation("invalid_token")
		case errors.Is(err, services.ErrExpired):
			h.metrics.Activation("expired")
		}
		writeServiceError(w, err, "failed to activate account")
		return
	}
	h.metrics.Activation("ok")

	h.manager.SignIn(sessionFromContext(r.Context()), user)
	if err := h.sessions.setSession(w, user); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign in")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ResendActivation always answers 202 so the response does not reveal
// whether the email is registered.
func (h *AuthHandler) ResendActivation(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.users.ResendActivation(r.Context(), req.Email); err != nil {
		writeServiceError(w, err, "failed to resend activation")
		return
	}
	writeJSON(w, http.StatusAccepted, MessageResponse{Message: "if the account is pending, an activation email is on its way"})
}

func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.users.RequestReset(r.Context(), req.Email); err != nil {
		writeServiceError(w, err, "failed to request password reset")
		return
	}
	writeJSON(w, http.StatusAccepted, MessageResponse{Message: "if the account exists, a password reset email is on its way"})
}

// ResetPassword sets a new password from a reset token and signs the user in.
// Remember tokens are forgotten by the reset, so the remember cookie goes too.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.users.ResetPassword(r.Context(), req.Email, req.Token, req.Password, req.PasswordConfirmation)
	if err != nil {
		writeServiceError(w, err, "failed to reset password")
		return
	}

	h.manager.SignIn(sessionFromContext(r.Context()), user)
	if err := h.sessions.setSession(w, user); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign in")
		return
	}
	h.sessions.clearCookie(w, rememberCookie)
	writeJSON(w, http.StatusOK, user)
}

type SignInRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type SignInResponse struct {
	User       types.User `json:"user"`
	RedirectTo string     `json:"redirect_to"`
}

type SignUpResponse struct {
	User    types.User `json:"user"`
	Message string     `json:"message"`
}

type ActivationRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

type EmailRequest struct {
	Email string `json:"email"`
}

type PasswordResetRequest struct {
	Email                string `json:"email"`
	Token                string `json:"token"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

type MessageResponse struct {
	Message string `json:"message"`
}
