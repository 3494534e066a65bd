package mail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gomail "github.com/wneessen/go-mail"

	"filebot/internal/domain"
)

// SMTPConfig describes the outgoing mail server.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      string // mandatory, opportunistic or none
	Timeout  time.Duration
}

// SMTPMailer implements domain.Mailer over SMTP.
type SMTPMailer struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

var _ domain.Mailer = (*SMTPMailer)(nil)

func NewSMTPMailer(cfg SMTPConfig, logger *slog.Logger) *SMTPMailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	return &SMTPMailer{cfg: cfg, logger: logger}
}

func tlsPolicy(name string) gomail.TLSPolicy {
	switch name {
	case "none":
		return gomail.NoTLS
	case "opportunistic":
		return gomail.TLSOpportunistic
	default:
		return gomail.TLSMandatory
	}
}

func (m *SMTPMailer) clientOptions() []gomail.Option {
	opts := []gomail.Option{
		gomail.WithPort(m.cfg.Port),
		gomail.WithTimeout(m.cfg.Timeout),
		gomail.WithTLSPortPolicy(tlsPolicy(m.cfg.TLS)),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.cfg.Username),
			gomail.WithPassword(m.cfg.Password),
		)
	}
	return opts
}

func (m *SMTPMailer) newMessage(to, subject, body string) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("sender %q: %w", m.cfg.From, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("recipient %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)
	return msg, nil
}

// SendMail dials the server for every mail; activation mails are rare.
func (m *SMTPMailer) SendMail(ctx context.Context, to, subject, body string) error {
	msg, err := m.newMessage(to, subject, body)
	if err != nil {
		return err
	}

	client, err := gomail.NewClient(m.cfg.Host, m.clientOptions()...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send via %s:%d: %w", m.cfg.Host, m.cfg.Port, err)
	}
	m.logger.Debug("smtp mail delivered", "to", to, "host", m.cfg.Host)
	return nil
}

// LogMailer writes mails to the log instead of sending them. Used when no
// SMTP server is configured.
type LogMailer struct {
	logger *slog.Logger
}

var _ domain.Mailer = (*LogMailer)(nil)

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendMail(_ context.Context, to, subject, body string) error {
	m.logger.Warn("smtp disabled, mail not sent", "to", to, "subject", subject, "body", body)
	return nil
}
