package syncengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"
)

type Mailer interface {
	Send(ctx context.Context, to, subject, html, text string) error
}

type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLS selects "ssl" (implicit TLS), "starttls" or "none".
	TLS     string
	Timeout time.Duration
}

// SMTPMailer sends multipart mail through one SMTP relay, dialing per
// message.
type SMTPMailer struct {
	from string
	opts []mail.Option
	host string
}

func NewSMTPMailer(opts SMTPOptions) (*SMTPMailer, error) {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		return nil, invalidInputf("smtp host is required")
	}
	if strings.TrimSpace(opts.From) == "" {
		return nil, invalidInputf("smtp sender is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultAdapterTimeout
	}
	mailOpts := []mail.Option{mail.WithTimeout(timeout)}
	if opts.Port > 0 {
		mailOpts = append(mailOpts, mail.WithPort(opts.Port))
	}
	switch strings.ToLower(strings.TrimSpace(opts.TLS)) {
	case "ssl", "tls":
		mailOpts = append(mailOpts, mail.WithSSL())
	case "none":
		mailOpts = append(mailOpts, mail.WithTLSPolicy(mail.NoTLS))
	case "", "starttls":
		mailOpts = append(mailOpts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		return nil, invalidInputf("unknown smtp tls mode %q", opts.TLS)
	}
	if opts.Username != "" {
		mailOpts = append(mailOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.Username),
			mail.WithPassword(opts.Password),
		)
	}
	return &SMTPMailer{from: opts.From, opts: mailOpts, host: host}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, html, text string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	msg.Subject(subject)
	switch {
	case text != "" && html != "":
		msg.SetBodyString(mail.TypeTextPlain, text)
		msg.AddAlternativeString(mail.TypeTextHTML, html)
	case html != "":
		msg.SetBodyString(mail.TypeTextHTML, html)
	default:
		msg.SetBodyString(mail.TypeTextPlain, text)
	}
	client, err := mail.NewClient(m.host, m.opts...)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// LogMailer only logs outgoing mail. It backs local runs without a relay.
type LogMailer struct {
	Logger logrus.FieldLogger
}

func (m LogMailer) Send(ctx context.Context, to, subject, html, text string) error {
	logger := m.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{"to": to, "subject": subject}).Info("mail not sent: no smtp relay configured")
	return nil
}
