// Package mailer relays notifications through one SMTP account.
//
// A Mailer is built once at startup from a scoped Config and handed to
// whatever needs to send. Every Send opens its own connection, so concurrent
// requests never share SMTP state.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
	Timeout  time.Duration

	// OpportunisticTLS allows plaintext when the server offers no STARTTLS.
	// Only meant for local relays.
	OpportunisticTLS bool
}

// Message is a single HTML notification to the configured mailbox.
type Message struct {
	ID      string // Message-ID value, generated when empty
	Subject string
	HTML    string
	ReplyTo string
}

// Readiness is the outcome of the startup credential check.
type Readiness struct {
	Checked   bool      `json:"checked"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt,omitempty"`
}

// Sender is what the HTTP layer needs from a mail transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Verify(ctx context.Context) error
	Readiness() Readiness
}

var ErrNoRecipient = errors.New("mailer: no sender or recipient configured")

type Mailer struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu    sync.RWMutex
	ready Readiness
}

var _ Sender = (*Mailer)(nil)

func New(cfg Config, log *zap.Logger) (*Mailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("mailer: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("mailer: invalid port %d", cfg.Port)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Mailer{cfg: cfg, log: log, now: time.Now}, nil
}

// session holds the socket go-mail dialed, so a session that fails before
// QUIT can still be closed.
type session struct {
	mu   sync.Mutex
	conn net.Conn
}

func (s *session) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

func (s *session) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func (m *Mailer) client() (*mail.Client, *session, error) {
	sess := &session{}
	policy := mail.TLSMandatory
	if m.cfg.OpportunisticTLS {
		policy = mail.TLSOpportunistic
	}
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTLSPolicy(policy),
		mail.WithTimeout(m.cfg.Timeout),
		mail.WithDialContextFunc(sess.dial),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	c, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("mailer: new client: %w", err)
	}
	return c, sess, nil
}

func (m *Mailer) message(msg Message) (*mail.Msg, error) {
	if m.cfg.From == "" || m.cfg.To == "" {
		return nil, ErrNoRecipient
	}
	mm := mail.NewMsg()
	if err := mm.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("mailer: from: %w", err)
	}
	if err := mm.To(m.cfg.To); err != nil {
		return nil, fmt.Errorf("mailer: to: %w", err)
	}
	if msg.ReplyTo != "" {
		// the form only checks the rough shape, net/mail is stricter
		if err := mm.ReplyTo(msg.ReplyTo); err != nil {
			m.log.Debug("dropping reply-to", zap.String("reply_to", msg.ReplyTo), zap.Error(err))
		}
	}
	mm.Subject(msg.Subject)
	if msg.ID != "" {
		mm.SetMessageIDWithValue(msg.ID)
	} else {
		mm.SetMessageID()
	}
	mm.SetDate()
	mm.SetBodyString(mail.TypeTextHTML, msg.HTML)
	return mm, nil
}

// Send delivers msg once. Failures are returned as-is, never retried.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	mm, err := m.message(msg)
	if err != nil {
		return err
	}
	c, sess, err := m.client()
	if err != nil {
		return err
	}
	if err := c.DialAndSendWithContext(ctx, mm); err != nil {
		sess.abort()
		return fmt.Errorf("mailer: send: %w", err)
	}
	return nil
}

// Verify connects, negotiates STARTTLS and authenticates without sending.
// The result is kept for Readiness; a failure is logged and returned but is
// never fatal.
func (m *Mailer) Verify(ctx context.Context) error {
	err := m.verify(ctx)
	r := Readiness{Checked: true, OK: err == nil, CheckedAt: m.now()}
	if err != nil {
		r.Error = err.Error()
		m.log.Error("smtp configuration error", zap.String("host", m.cfg.Host), zap.Int("port", m.cfg.Port), zap.Error(err))
	} else {
		m.log.Info("smtp server ready", zap.String("host", m.cfg.Host), zap.Int("port", m.cfg.Port))
	}
	m.mu.Lock()
	m.ready = r
	m.mu.Unlock()
	return err
}

func (m *Mailer) verify(ctx context.Context) error {
	c, sess, err := m.client()
	if err != nil {
		return err
	}
	if err := c.DialWithContext(ctx); err != nil {
		sess.abort()
		return fmt.Errorf("mailer: dial: %w", err)
	}
	if err := c.Close(); err != nil {
		sess.abort()
		return err
	}
	return nil
}

func (m *Mailer) Readiness() Readiness {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}
