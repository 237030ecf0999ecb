package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/google/uuid"

	"herald/internal/config"
	"herald/internal/constants"
	"herald/pkg/models"
)

// SMTP sends HTML email through a relay. STARTTLS is used whenever the relay offers it, and
// credentials are only sent over an encrypted connection.
type SMTP struct {
	cfg    config.SMTPConfig
	from   mail.Address
	dialer *net.Dialer
	now    func() time.Time
}

func NewSMTP(cfg config.SMTPConfig) (Provider, error) {
	if cfg.Host == "" {
		return Unconfigured(constants.ProviderNameSMTP), nil
	}

	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid smtp from address %q: %w", cfg.From, err)
	}
	if cfg.FromName != "" {
		from.Name = cfg.FromName
	}

	return &SMTP{
		cfg:    cfg,
		from:   *from,
		dialer: &net.Dialer{Timeout: constants.DefaultHTTPTimeout},
		now:    time.Now,
	}, nil
}

func (s *SMTP) Name() string { return constants.ProviderNameSMTP }

func (s *SMTP) Deliver(ctx context.Context, target string, content models.Content) error {
	to, err := mail.ParseAddress(target)
	if err != nil {
		return Permanent(s.Name(), fmt.Errorf("invalid recipient %q: %w", target, err))
	}

	msg, err := s.buildMessage(to, content)
	if err != nil {
		return Permanent(s.Name(), err)
	}

	if err := s.send(ctx, to.Address, msg); err != nil {
		return classifySMTPError(err)
	}
	return nil
}

func (s *SMTP) send(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	encrypted := false
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
		encrypted = true
	}

	if s.cfg.Username != "" && s.cfg.Password != "" {
		if !encrypted {
			return Permanent(s.Name(), errors.New("relay does not offer STARTTLS, refusing to send credentials"))
		}
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.Mail(s.from.Address); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (s *SMTP) buildMessage(to *mail.Address, content models.Content) ([]byte, error) {
	subject := content.Subject
	if subject == "" {
		subject = "Notification"
	}

	var buf bytes.Buffer
	headers := []struct{ k, v string }{
		{"From", s.from.String()},
		{"To", to.String()},
		{"Subject", mime.QEncoding.Encode("utf-8", subject)},
		{"Date", s.now().UTC().Format(time.RFC1123Z)},
		{"Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), s.cfg.Host)},
		{"MIME-Version", "1.0"},
		{"Content-Type", `text/html; charset="utf-8"`},
		{"Content-Transfer-Encoding", "8bit"},
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.k, h.v)
	}
	buf.WriteString("\r\n")
	buf.WriteString(content.Body)
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// classifySMTPError maps 5xx replies to permanent failures. Everything else, including
// 4xx replies and network errors, is transient.
func classifySMTPError(err error) error {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return err
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return Permanent(constants.ProviderNameSMTP, err)
	}
	return Transient(constants.ProviderNameSMTP, err)
}
