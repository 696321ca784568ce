package export

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/isdmx/codechain/config"
)

// ErrMailerNotConfigured is returned for send_email exports when no mailer is set
var ErrMailerNotConfigured = errors.New("no mailer configured for send_email exports")

// Message is a plain-text mail
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers messages
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type sendFunc func(ctx context.Context, client *mail.Client, msg *mail.Msg) error

func dialAndSend(ctx context.Context, client *mail.Client, msg *mail.Msg) error {
	return client.DialAndSendWithContext(ctx, msg)
}

// SMTPMailer sends mail through an SMTP relay, upgrading to STARTTLS when the
// relay offers it and authenticating with PLAIN when a username is configured.
type SMTPMailer struct {
	host     string
	addr     string
	from     string
	authType mail.SMTPAuthType
	opts     []mail.Option
	send     sendFunc
	now      func() time.Time
}

// NewSMTPMailer creates an SMTPMailer from the export.smtp configuration
func NewSMTPMailer(cfg config.SMTPConfig) (*SMTPMailer, error) {
	m := &SMTPMailer{
		host:     cfg.Host,
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		from:     cfg.From,
		authType: mail.SMTPAuthNoAuth,
		send:     dialAndSend,
		now:      time.Now,
	}
	m.opts = []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		m.authType = mail.SMTPAuthPlain
		m.opts = append(m.opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if _, err := mail.NewClient(m.host, m.opts...); err != nil {
		return nil, fmt.Errorf("invalid smtp configuration: %w", err)
	}
	return m, nil
}

// Send delivers msg. The whole SMTP session, greeting included, is bounded
// by ctx.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mm, err := m.compose(msg)
	if err != nil {
		return err
	}

	opts := append([]mail.Option{mail.WithDialContextFunc(sessionDialer(ctx))}, m.opts...)
	client, err := mail.NewClient(m.host, opts...)
	if err != nil {
		return fmt.Errorf("failed to create smtp client for %s: %w", m.addr, err)
	}
	if err := m.send(ctx, client, mm); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return fmt.Errorf("failed to send mail to %s via %s: %w", msg.To, m.addr, err)
	}
	return nil
}

func (m *SMTPMailer) compose(msg Message) (*mail.Msg, error) {
	for name, value := range map[string]string{"recipient": msg.To, "subject": msg.Subject} {
		if strings.ContainsAny(value, "\r\n") {
			return nil, fmt.Errorf("mail %s must not contain line breaks", name)
		}
	}
	if msg.To == "" {
		return nil, errors.New("mail recipient must be set")
	}

	mm := mail.NewMsg()
	if err := mm.From(m.from); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", m.from, err)
	}
	if err := mm.To(msg.To); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}
	mm.Subject(msg.Subject)
	mm.SetDateWithValue(m.now())
	mm.SetBodyString(mail.TypeTextPlain, msg.Body)
	return mm, nil
}

// sessionDialer returns a dialer whose connections stop reading and writing
// once ctx is done. The context handed to the dial function only covers
// connecting, so the session is tied to the caller's ctx here.
func sessionDialer(ctx context.Context) mail.DialContextFunc {
	return func(dialCtx context.Context, network, address string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, network, address)
		if err != nil {
			return nil, err
		}
		stop := context.AfterFunc(ctx, func() {
			_ = conn.SetDeadline(time.Now())
		})
		return &sessionConn{Conn: conn, stop: stop}, nil
	}
}

type sessionConn struct {
	net.Conn
	stop func() bool
}

func (c *sessionConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
