package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amaterasu/apiserver/internal/auth"
	"github.com/amaterasu/apiserver/internal/services"
	"github.com/amaterasu/apiserver/types"
)

const (
	sessionCookie  = "session"
	rememberCookie = "remember"
	returnToCookie = "return_to"

	returnToTTL = 10 * time.Minute
)

// CookieOptions controls the lifetime and transport of auth cookies.
type CookieOptions struct {
	Secure      bool
	SessionTTL  time.Duration
	RememberTTL time.Duration
}

// Sessions resumes the sign-in state of every request from its cookies and
// writes the cookies back when that state changes.
type Sessions struct {
	manager *services.SessionManager
	signer  *auth.CookieSigner
	opts    CookieOptions
	log     *slog.Logger
}

func NewSessions(manager *services.SessionManager, signer *auth.CookieSigner, opts CookieOptions, log *slog.Logger) *Sessions {
	return &Sessions{manager: manager, signer: signer, opts: opts, log: log}
}

// Load attaches a *services.Session to the request context.
func (s *Sessions) Load(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sess := services.NewSession()

		var ev services.Evidence
		if c, err := r.Cookie(sessionCookie); err == nil {
			if id, err := s.signer.ParseSession(c.Value); err == nil {
				ev.SessionUserID = id
			} else {
				s.clearCookie(w, sessionCookie)
			}
		}
		if c, err := r.Cookie(rememberCookie); err == nil {
			if id, token, err := s.signer.ParseRemember(c.Value); err == nil {
				ev.RememberUserID = id
				ev.RememberToken = token
			} else {
				s.clearCookie(w, rememberCookie)
			}
		}
		if c, err := r.Cookie(returnToCookie); err == nil {
			if location, err := url.QueryUnescape(c.Value); err == nil && safeLocation(location) {
				sess.SetReturnTo(location)
			}
		}

		if _, err := s.manager.ResumeSession(ctx, sess, ev); err != nil {
			s.log.ErrorContext(ctx, "failed to resume session", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}

		if ev.SessionUserID > 0 && !sess.ResumedFromRemember() && !sess.SignedIn() {
			s.clearCookie(w, sessionCookie)
		}
		if sess.StaleRemember() {
			s.clearCookie(w, rememberCookie)
		}
		if sess.ResumedFromRemember() {
			user, _ := sess.User()
			if err := s.setSession(w, user); err != nil {
				s.log.ErrorContext(ctx, "failed to reissue session cookie", "user_id", user.ID, "error", err)
			}
		}

		ctx = context.WithValue(ctx, contextSessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireUser rejects anonymous requests. For GET requests the location is
// kept so sign in can send the client back.
func (s *Sessions) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessionFromContext(r.Context()).SignedIn() {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodGet {
			s.setCookie(w, returnToCookie, url.QueryEscape(r.URL.RequestURI()), returnToTTL)
		}
		writeError(w, http.StatusUnauthorized, "please sign in")
	})
}

func (s *Sessions) setSession(w http.ResponseWriter, user types.User) error {
	value, err := s.signer.SignSession(user.ID, s.opts.SessionTTL)
	if err != nil {
		return err
	}
	s.setCookie(w, sessionCookie, value, s.opts.SessionTTL)
	return nil
}

func (s *Sessions) setRemember(w http.ResponseWriter, user types.User, rawToken string) error {
	value, err := s.signer.SignRemember(user.ID, rawToken, s.opts.RememberTTL)
	if err != nil {
		return err
	}
	s.setCookie(w, rememberCookie, value, s.opts.RememberTTL)
	return nil
}

func (s *Sessions) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Sessions) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// sessionFromContext never returns nil; requests that skipped Load are anonymous.
func sessionFromContext(ctx context.Context) *services.Session {
	if sess, ok := ctx.Value(contextSessionKey).(*services.Session); ok {
		return sess
	}
	return services.NewSession()
}

func currentUser(ctx context.Context) (types.User, bool) {
	return sessionFromContext(ctx).User()
}

// safeLocation accepts only local absolute paths.
func safeLocation(location string) bool {
	return strings.HasPrefix(location, "/") && !strings.HasPrefix(location, "//") && !strings.Contains(location, `\`)
}
