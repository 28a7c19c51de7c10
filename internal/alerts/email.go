package alerts

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
)

// Gmail's implicit-TLS submission endpoint, the default for the
// alerting mailbox.
const (
	DefaultSMTPHost = "smtp.gmail.com"
	DefaultSMTPPort = 465
)

// Email sends plain-text alert mail over an implicit-TLS SMTP session.
type Email struct {
	Host     string
	Port     int
	From     string
	To       string
	Password string
}

func NewEmail(from, to, password string) *Email {
	return &Email{
		Host:     DefaultSMTPHost,
		Port:     DefaultSMTPPort,
		From:     from,
		To:       to,
		Password: password,
	}
}

func (e *Email) Send(subject, body string) error {
	if e.From == "" || e.To == "" || e.Password == "" {
		return errors.New("email: missing sender credentials")
	}

	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: e.Host})
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}

	c, err := smtp.NewClient(conn, e.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if err := c.Auth(smtp.PlainAuth("", e.From, e.Password, e.Host)); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := c.Mail(e.From); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	if err := c.Rcpt(e.To); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		e.From, e.To, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	return c.Quit()
}
