package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amaterasu/apiserver/config"
	"github.com/amaterasu/apiserver/internal/auth"
	"github.com/amaterasu/apiserver/internal/db"
	"github.com/amaterasu/apiserver/internal/logging"
	"github.com/amaterasu/apiserver/internal/metrics"
	"github.com/amaterasu/apiserver/internal/services"
	"github.com/amaterasu/apiserver/internal/storage"
	"github.com/amaterasu/apiserver/internal/store"
	"github.com/amaterasu/apiserver/types"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "handlers-test-secret"

type recordingMailer struct {
	mu     sync.Mutex
	tokens map[string]string
	settle func()
}

func (m *recordingMailer) DeliverActivation(_ context.Context, user types.User, rawToken string) error {
	m.put("activation:"+user.Email, rawToken)
	return nil
}

func (m *recordingMailer) DeliverReset(_ context.Context, user types.User, rawToken string) error {
	m.put("reset:"+user.Email, rawToken)
	return nil
}

func (m *recordingMailer) put(key, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		m.tokens = map[string]string{}
	}
	m.tokens[key] = token
}

func (m *recordingMailer) token(t *testing.T, kind, email string) string {
	t.Helper()
	if m.settle != nil {
		m.settle()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[kind+":"+email]
	require.True(t, ok, "no %s token for %s", kind, email)
	return token
}

// memBackend is an in-memory storage.ObjectStorage.
type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{objects: map[string][]byte{}}
}

func (b *memBackend) EnsureBucket(context.Context) error { return nil }

func (b *memBackend) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *memBackend) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *memBackend) Bucket() string { return "test" }

func (b *memBackend) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

type harness struct {
	server  *httptest.Server
	db      *sql.DB
	store   *store.Store
	mailer  *recordingMailer
	metrics *metrics.Metrics
	backend *memBackend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return buildHarness(t, nil)
}

func newHarnessWithPictures(t *testing.T) *harness {
	t.Helper()
	return buildHarness(t, newMemBackend())
}

func buildHarness(t *testing.T, backend *memBackend) *harness {
	t.Helper()
	cfg := config.Config{Database: config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "handlers.db"),
	}}
	require.NoError(t, db.MigrateUp(cfg.Database))
	conn, err := db.Open(context.Background(), cfg)
	require.NoError(t, err)
	st := store.New(conn)

	log := logging.Discard()
	mailer := &recordingMailer{}
	m := metrics.New()

	var (
		pictures     *storage.Pictures
		pictureStore services.PictureStore
	)
	if backend != nil {
		pictures = storage.NewPictures(backend)
		pictureStore = pictures
	}

	users := services.NewUserService(st, mailer, pictureStore, log, services.UserOptions{
		BcryptCost: bcrypt.MinCost,
		ResetTTL:   time.Hour,
	})
	mailer.settle = users.WaitForMail
	manager := services.NewSessionManager(st, log, bcrypt.MinCost)
	graph := services.NewGraphService(st)
	microposts := services.NewMicropostService(st, pictureStore, log)
	sessions := NewSessions(manager, auth.NewCookieSigner(testSecret), CookieOptions{
		SessionTTL:  time.Hour,
		RememberTTL: 24 * time.Hour,
	}, log)
	micropostHandler := NewMicropostHandler(microposts, graph, pictures, sessions)

	r := chi.NewRouter()
	r.Use(sessions.Load)
	r.Route("/auth", func(r chi.Router) {
		AuthRouter(r, NewAuthHandler(users, manager, sessions, m, log))
	})
	r.Route("/users", func(r chi.Router) {
		UserRouter(r, NewUserHandler(users, graph, microposts, sessions))
	})
	r.Route("/relationships", func(r chi.Router) {
		RelationshipRouter(r, NewRelationshipHandler(graph, sessions, m))
	})
	r.Route("/microposts", func(r chi.Router) {
		MicropostRouter(r, micropostHandler)
	})
	r.With(sessions.RequireUser).Get("/feed", micropostHandler.Feed)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		users.WaitForMail()
		_ = st.Close()
	})
	return &harness{server: srv, db: conn, store: st, mailer: mailer, metrics: m, backend: backend}
}

// client returns an HTTP client with its own cookie jar, standing in for one browser.
func (h *harness) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func (h *harness) do(t *testing.T, c *http.Client, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return send(t, c, req)
}

func send(t *testing.T, c *http.Client, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

// signUp registers and activates email with password "foobar". The client
// ends up signed in by the activation.
func (h *harness) signUp(t *testing.T, c *http.Client, email string) types.User {
	t.Helper()
	resp, body := h.do(t, c, http.MethodPost, "/auth/signup", types.NewUser{
		Email:                email,
		FirstName:            "Example",
		LastName:             "User",
		Password:             "foobar",
		PasswordConfirmation: "foobar",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = h.do(t, c, http.MethodPost, "/auth/activation", ActivationRequest{
		Email: email,
		Token: h.mailer.token(t, "activation", email),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	return decode[types.User](t, body)
}

func (h *harness) signIn(t *testing.T, c *http.Client, email string, remember bool) SignInResponse {
	t.Helper()
	resp, body := h.do(t, c, http.MethodPost, "/auth/signin", SignInRequest{
		Email:      email,
		Password:   "foobar",
		RememberMe: remember,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	return decode[SignInResponse](t, body)
}

func (h *harness) createAdmin(t *testing.T, email string) types.User {
	t.Helper()
	digest, err := auth.HashPassword("foobar", bcrypt.MinCost)
	require.NoError(t, err)
	u, err := h.store.Repositories().Users.Create(context.Background(), types.User{
		Email:          email,
		FirstName:      "Admin",
		LastName:       "User",
		PasswordDigest: digest,
		Admin:          true,
		Activated:      true,
	})
	require.NoError(t, err)
	return u
}

func cookieNamed(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func userPath(id int64, suffix ...string) string {
	return fmt.Sprintf("/users/%d", id) + strings.Join(suffix, "")
}

func mustField(t *testing.T, body []byte, field string) json.RawMessage {
	t.Helper()
	fields := decode[map[string]json.RawMessage](t, body)
	raw, ok := fields[field]
	require.True(t, ok, "missing field %s in %s", field, string(body))
	return raw
}
