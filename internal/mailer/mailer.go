// Package mailer turns activation and password reset tokens into mail
// requests published on the message queue. Actual delivery happens outside
// this service.
package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/amaterasu/apiserver/internal/mq"
	"github.com/amaterasu/apiserver/types"
)

type Kind string

const (
	KindActivation    Kind = "account_activation"
	KindPasswordReset Kind = "password_reset"
)

// Message is the JSON payload published for each mail request.
type Message struct {
	Kind      Kind      `json:"kind"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Link      string    `json:"link"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// Publisher is the subset of mq.Backend the mailer needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// QueueMailer publishes mail requests to a channel.
type QueueMailer struct {
	pub     Publisher
	channel string
	baseURL string
	log     *slog.Logger
}

func NewQueueMailer(pub Publisher, channel, baseURL string, log *slog.Logger) *QueueMailer {
	return &QueueMailer{
		pub:     pub,
		channel: channel,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log,
	}
}

func (m *QueueMailer) DeliverActivation(ctx context.Context, user types.User, rawToken string) error {
	return m.publish(ctx, KindActivation, user, ActivationLink(m.baseURL, user.Email, rawToken), rawToken)
}

func (m *QueueMailer) DeliverReset(ctx context.Context, user types.User, rawToken string) error {
	return m.publish(ctx, KindPasswordReset, user, ResetLink(m.baseURL, user.Email, rawToken), rawToken)
}

func (m *QueueMailer) publish(ctx context.Context, kind Kind, user types.User, link, rawToken string) error {
	data, err := json.Marshal(Message{
		Kind:      kind,
		Email:     user.Email,
		Name:      user.FullName(),
		Link:      link,
		Token:     rawToken,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	id, err := m.pub.Publish(ctx, m.channel, data, map[string]string{
		mq.AttrContentType: "application/json",
		"kind":             string(kind),
	})
	if err != nil {
		return fmt.Errorf("publish %s mail: %w", kind, err)
	}
	m.log.InfoContext(ctx, "mail queued", "kind", kind, "user_id", user.ID, "message_id", id)
	return nil
}

// LogMailer is used when no queue is configured. It records that a mail
// would have been sent without revealing the token.
type LogMailer struct {
	log *slog.Logger
}

func NewLogMailer(log *slog.Logger) *LogMailer {
	return &LogMailer{log: log}
}

func (m *LogMailer) DeliverActivation(ctx context.Context, user types.User, _ string) error {
	m.log.InfoContext(ctx, "mail queue disabled, dropping mail", "kind", KindActivation, "user_id", user.ID)
	return nil
}

func (m *LogMailer) DeliverReset(ctx context.Context, user types.User, _ string) error {
	m.log.InfoContext(ctx, "mail queue disabled, dropping mail", "kind", KindPasswordReset, "user_id", user.ID)
	return nil
}

// ActivationLink points the user at the activation page for token.
func ActivationLink(baseURL, email, token string) string {
	return link(baseURL, "/account_activations", email, token)
}

// ResetLink points the user at the password reset page for token.
func ResetLink(baseURL, email, token string) string {
	return link(baseURL, "/password_resets", email, token)
}

func link(baseURL, path, email, token string) string {
	q := url.Values{}
	q.Set("email", email)
	q.Set("token", token)
	return strings.TrimRight(baseURL, "/") + path + "?" + q.Encode()
}

// Relay consumes mail requests. It stands in for a real delivery service in
// development by logging each link.
type Relay struct {
	log *slog.Logger
}

func NewRelay(log *slog.Logger) *Relay {
	return &Relay{log: log}
}

// ErrMalformed marks payloads that can never be delivered.
var ErrMalformed = errors.New("malformed mail message")

// Handle decodes one queued mail request. Malformed payloads are logged and
// acknowledged so they are not redelivered forever.
func (r *Relay) Handle(ctx context.Context, msg mq.Message) error {
	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil || m.Email == "" || m.Link == "" {
		r.log.ErrorContext(ctx, "dropping mail message", "message_id", msg.ID, "error", errors.Join(ErrMalformed, err))
		return nil
	}
	r.log.InfoContext(ctx, "deliver mail",
		"message_id", msg.ID,
		"kind", m.Kind,
		"to", m.Email,
		"name", m.Name,
	)
	// The link carries the raw token; only debug logging shows it.
	r.log.DebugContext(ctx, "mail link", "message_id", msg.ID, "link", m.Link)
	return nil
}
