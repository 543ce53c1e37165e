package handlers

import (
	"net/http"
	"testing"

	"github.com/amaterasu/apiserver/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignUpActivationAndMe(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	resp, body := h.do(t, c, http.MethodPost, "/auth/signup", types.NewUser{
		Email:                "Michael@Example.com",
		FirstName:            "Michael",
		LastName:             "Hartl",
		Password:             "foobar",
		PasswordConfirmation: "foobar",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	created := decode[SignUpResponse](t, body)
	assert.Equal(t, "michael@example.com", created.User.Email)
	assert.False(t, created.User.Activated)
	assert.NotContains(t, string(body), "password_digest")

	resp, _ = h.do(t, c, http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(t, c, http.MethodPost, "/auth/activation", ActivationRequest{Email: "michael@example.com", Token: "wrong"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	token := h.mailer.token(t, "activation", "michael@example.com")
	resp, body = h.do(t, c, http.MethodPost, "/auth/activation", ActivationRequest{Email: "michael@example.com", Token: token})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, decode[types.User](t, body).Activated)
	require.NotNil(t, cookieNamed(resp, sessionCookie))

	resp, body = h.do(t, c, http.MethodGet, "/auth/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "michael@example.com", decode[types.User](t, body).Email)

	resp, _ = h.do(t, c, http.MethodPost, "/auth/activation", ActivationRequest{Email: "michael@example.com", Token: token})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Activations("ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.Activations("invalid_token")))
}

func TestSignUpValidationErrors(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)
	h.signUp(t, c, "taken@example.com")

	resp, body := h.do(t, c, http.MethodPost, "/auth/signup", types.NewUser{
		Email:                "not-an-email",
		FirstName:            "",
		LastName:             "User",
		Password:             "foo",
		PasswordConfirmation: "bar",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	errResp := decode[ErrorResponse](t, body)
	assert.Contains(t, errResp.Fields, "email")
	assert.Contains(t, errResp.Fields, "first_name")
	assert.Contains(t, errResp.Fields, "password")
	assert.Contains(t, errResp.Fields, "password_confirmation")

	resp, body = h.do(t, c, http.MethodPost, "/auth/signup", types.NewUser{
		Email:                "TAKEN@example.com",
		FirstName:            "Other",
		LastName:             "User",
		Password:             "foobar",
		PasswordConfirmation: "foobar",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "has already been taken", decode[ErrorResponse](t, body).Fields["email"])

	resp, _ = h.do(t, c, http.MethodPost, "/auth/signup", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSignInFailures(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)
	h.signUp(t, h.client(t), "active@example.com")

	resp, _ := h.do(t, c, http.MethodPost, "/auth/signup", types.NewUser{
		Email:                "pending@example.com",
		FirstName:            "Pending",
		LastName:             "User",
		Password:             "foobar",
		PasswordConfirmation: "foobar",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, wrongPassword := h.do(t, c, http.MethodPost, "/auth/signin", SignInRequest{Email: "active@example.com", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, unknown := h.do(t, c, http.MethodPost, "/auth/signin", SignInRequest{Email: "ghost@example.com", Password: "foobar"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, string(wrongPassword), string(unknown))

	resp, _ = h.do(t, c, http.MethodPost, "/auth/signin", SignInRequest{Email: "pending@example.com", Password: "foobar"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.do(t, c, http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.SignIns("auth_failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.SignIns("not_activated")))
}

func TestSignInRedirectsToDefaultOrStoredLocation(t *testing.T) {
	h := newHarness(t)
	user := h.signUp(t, h.client(t), "user@example.com")

	c := h.client(t)
	signedIn := h.signIn(t, c, "user@example.com", false)
	assert.Equal(t, userPath(user.ID), signedIn.RedirectTo)

	c = h.client(t)
	resp, _ := h.do(t, c, http.MethodGet, "/users?page=2", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, cookieNamed(resp, returnToCookie))

	signedIn = h.signIn(t, c, "user@example.com", false)
	assert.Equal(t, "/users?page=2", signedIn.RedirectTo)

	signedIn = h.signIn(t, c, "user@example.com", false)
	assert.Equal(t, userPath(user.ID), signedIn.RedirectTo, "location is used once")
}

func TestRememberMeResumesSession(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, h.client(t), "user@example.com")

	browser := h.client(t)
	resp, body := h.do(t, browser, http.MethodPost, "/auth/signin", SignInRequest{
		Email: "user@example.com", Password: "foobar", RememberMe: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	remember := cookieNamed(resp, rememberCookie)
	require.NotNil(t, remember)
	assert.True(t, remember.HttpOnly)

	// A fresh client holding only the remember cookie is signed back in and
	// gets a new session cookie.
	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/auth/me", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: rememberCookie, Value: remember.Value})
	resp, body = send(t, http.DefaultClient, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "user@example.com", decode[types.User](t, body).Email)
	assert.NotNil(t, cookieNamed(resp, sessionCookie))

	resp, _ = h.do(t, browser, http.MethodDelete, "/auth/signout", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Signing out forgets the digest, so the old remember cookie is stale.
	req, err = http.NewRequest(http.MethodGet, h.server.URL+"/auth/me", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: rememberCookie, Value: remember.Value})
	resp, _ = send(t, http.DefaultClient, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	cleared := cookieNamed(resp, rememberCookie)
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)

	resp, _ = h.do(t, browser, http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignInWithoutRememberForgetsPreviousToken(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, h.client(t), "user@example.com")

	first := h.client(t)
	resp, _ := h.do(t, first, http.MethodPost, "/auth/signin", SignInRequest{
		Email: "user@example.com", Password: "foobar", RememberMe: true,
	})
	remember := cookieNamed(resp, rememberCookie)
	require.NotNil(t, remember)

	h.signIn(t, h.client(t), "user@example.com", false)

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/auth/me", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: rememberCookie, Value: remember.Value})
	resp, _ = send(t, http.DefaultClient, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignInRememberFailureSetsNoCookies(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, h.client(t), "user@example.com")

	_, err := h.db.Exec(`CREATE TRIGGER remember_unavailable BEFORE UPDATE OF remember_digest ON users
		BEGIN SELECT RAISE(ABORT, 'remember unavailable'); END`)
	require.NoError(t, err)

	browser := h.client(t)
	resp, _ := h.do(t, browser, http.MethodPost, "/auth/signin", SignInRequest{
		Email: "user@example.com", Password: "foobar", RememberMe: true,
	})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Nil(t, cookieNamed(resp, sessionCookie))
	assert.Nil(t, cookieNamed(resp, rememberCookie))
	assert.Zero(t, testutil.ToFloat64(h.metrics.SignIns("ok")))

	resp, _ = h.do(t, browser, http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTamperedSessionCookieIsAnonymous(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/auth/me", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: "not-a-jwt"})
	resp, _ := send(t, http.DefaultClient, req)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	cleared := cookieNamed(resp, sessionCookie)
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)
}

func TestSignOutWhenAnonymous(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, h.client(t), http.MethodDelete, "/auth/signout", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestResendActivationRotatesToken(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	resp, _ := h.do(t, c, http.MethodPost, "/auth/signup", types.NewUser{
		Email:                "pending@example.com",
		FirstName:            "Pending",
		LastName:             "User",
		Password:             "foobar",
		PasswordConfirmation: "foobar",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := h.mailer.token(t, "activation", "pending@example.com")

	resp, _ = h.do(t, c, http.MethodPost, "/auth/activation/resend", EmailRequest{Email: "pending@example.com"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	second := h.mailer.token(t, "activation", "pending@example.com")
	require.NotEqual(t, first, second)

	resp, _ = h.do(t, c, http.MethodPost, "/auth/activation/resend", EmailRequest{Email: "ghost@example.com"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = h.do(t, c, http.MethodPost, "/auth/activation", ActivationRequest{Email: "pending@example.com", Token: first})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = h.do(t, c, http.MethodPost, "/auth/activation", ActivationRequest{Email: "pending@example.com", Token: second})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPasswordReset(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, h.client(t), "user@example.com")
	c := h.client(t)

	resp, _ := h.do(t, c, http.MethodPost, "/auth/password_resets", EmailRequest{Email: "ghost@example.com"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = h.do(t, c, http.MethodPost, "/auth/password_resets", EmailRequest{Email: "USER@example.com"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	token := h.mailer.token(t, "reset", "user@example.com")

	resp, _ = h.do(t, c, http.MethodPut, "/auth/password_resets", PasswordResetRequest{
		Email: "user@example.com", Token: "wrong", Password: "newpass", PasswordConfirmation: "newpass",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := h.do(t, c, http.MethodPut, "/auth/password_resets", PasswordResetRequest{
		Email: "user@example.com", Token: token, Password: "newpass", PasswordConfirmation: "other",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, decode[ErrorResponse](t, body).Fields, "password_confirmation")

	resp, body = h.do(t, c, http.MethodPut, "/auth/password_resets", PasswordResetRequest{
		Email: "user@example.com", Token: token, Password: "newpass", PasswordConfirmation: "newpass",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = h.do(t, c, http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, h.client(t), http.MethodPost, "/auth/signin", SignInRequest{Email: "user@example.com", Password: "foobar"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = h.do(t, h.client(t), http.MethodPost, "/auth/signin", SignInRequest{Email: "user@example.com", Password: "newpass"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, c, http.MethodPut, "/auth/password_resets", PasswordResetRequest{
		Email: "user@example.com", Token: token, Password: "another", PasswordConfirmation: "another",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
