package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amaterasu/apiserver/config"
	"github.com/amaterasu/apiserver/internal/auth"
	"github.com/amaterasu/apiserver/internal/db"
	"github.com/amaterasu/apiserver/internal/logging"
	"github.com/amaterasu/apiserver/internal/store"
	"github.com/amaterasu/apiserver/types"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type sentMail struct {
	kind  string
	email string
	token string
}

// recordingMailer keeps every delivered token so tests can replay them.
type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	// settle waits for background deliveries before the log is read.
	settle func()
}

func (m *recordingMailer) DeliverActivation(_ context.Context, user types.User, rawToken string) error {
	m.record("activation", user.Email, rawToken)
	return nil
}

func (m *recordingMailer) DeliverReset(_ context.Context, user types.User, rawToken string) error {
	m.record("reset", user.Email, rawToken)
	return nil
}

func (m *recordingMailer) record(kind, email, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{kind: kind, email: email, token: token})
}

func (m *recordingMailer) last(t *testing.T, kind, email string) string {
	t.Helper()
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].kind == kind && m.sent[i].email == email {
			return m.sent[i].token
		}
	}
	t.Fatalf("no %s mail for %s", kind, email)
	return ""
}

func (m *recordingMailer) wait() {
	if m.settle != nil {
		m.settle()
	}
}

func (m *recordingMailer) count() int {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fixture struct {
	store      *store.Store
	mailer     *recordingMailer
	users      *UserService
	sessions   *SessionManager
	graph      *GraphService
	microposts *MicropostService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithPictures(t, nil)
}

func newFixtureWithPictures(t *testing.T, pictures PictureStore) *fixture {
	t.Helper()
	cfg := config.Config{Database: config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "services.db"),
	}}
	require.NoError(t, db.MigrateUp(cfg.Database))
	conn, err := db.Open(context.Background(), cfg)
	require.NoError(t, err)

	st := store.New(conn)
	t.Cleanup(func() { _ = st.Close() })

	log := logging.Discard()
	mailer := &recordingMailer{}
	users := NewUserService(st, mailer, pictures, log, UserOptions{
		BcryptCost: bcrypt.MinCost,
		ResetTTL:   time.Hour,
	})
	mailer.settle = users.WaitForMail
	t.Cleanup(users.WaitForMail)
	return &fixture{
		store:      st,
		mailer:     mailer,
		users:      users,
		sessions:   NewSessionManager(st, log, bcrypt.MinCost),
		graph:      NewGraphService(st),
		microposts: NewMicropostService(st, pictures, log),
	}
}

// signUp creates and activates a user with the password "foobar".
func (f *fixture) signUp(t *testing.T, email string) types.User {
	t.Helper()
	ctx := context.Background()
	u, err := f.users.Create(ctx, types.NewUser{
		Email:                email,
		FirstName:            "Example",
		LastName:             "User",
		Password:             "foobar",
		PasswordConfirmation: "foobar",
	})
	require.NoError(t, err)

	activated, err := f.users.Activate(ctx, email, f.mailer.last(t, "activation", u.Email))
	require.NoError(t, err)
	return activated
}

// createAdmin inserts an activated admin directly; no public operation grants admin.
func (f *fixture) createAdmin(t *testing.T, email string) types.User {
	t.Helper()
	digest, err := auth.HashPassword("foobar", bcrypt.MinCost)
	require.NoError(t, err)
	u, err := f.store.Repositories().Users.Create(context.Background(), types.User{
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
