// Package mail is the outbound mail collaborator: it delivers the
// confirmation message for the email loop. The broker only depends on
// the Sender interface; the SMTP implementation is wiring.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// ErrDelivery indicates the message could not be handed to the mail
// transport. The login session it belongs to stays valid until its TTL,
// so a retry can reuse the same link.
var ErrDelivery = errors.New("mail delivery failed")

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers messages. Implementations must respect the context
// deadline; a slow mail relay must not stall request handling.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender submits messages to an SMTP relay.
type SMTPSender struct {
	Addr string // host:port of the relay
	From string
	Auth smtp.Auth // optional
	// Timeout bounds one submission when the context has no deadline.
	Timeout time.Duration
}

var _ Sender = (*SMTPSender)(nil)

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrDelivery)
	}

	// net/smtp has no context support. Run the conversation in a
	// goroutine; closing the connection on deadline unblocks it, so the
	// goroutine always exits.
	done := make(chan error, 1)
	go func() {
		done <- s.submit(conn, msg)
	}()
	select {
	case err := <-done:
		conn.Close()
		if err != nil {
			return fmt.Errorf("%v: %w", err, ErrDelivery)
		}
		return nil
	case <-ctx.Done():
		conn.Close()
		<-done
		return fmt.Errorf("smtp submission timed out: %w", ErrDelivery)
	}
}

func (s *SMTPSender) submit(conn net.Conn, msg Message) error {
	host := s.Addr
	if h, _, err := net.SplitHostPort(s.Addr); err == nil {
		host = h
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if s.Auth != nil {
		if err := c.Auth(s.Auth); err != nil {
			return err
		}
	}
	if err := c.Mail(s.From); err != nil {
		return err
	}
	if err := c.Rcpt(msg.To); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(formatMessage(s.From, msg)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func formatMessage(from string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return []byte(b.String())
}

// LogSender writes messages to the log instead of delivering them.
// For development only: the confirmation link ends up in the log.
type LogSender struct {
	Logger *slog.Logger
}

var _ Sender = (*LogSender)(nil)

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail (log sender, not delivered)",
		"to", msg.To, "subject", msg.Subject, "body", msg.Body)
	return nil
}
