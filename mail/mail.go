// Package mail sends account emails.
package mail

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	log "github.com/sirupsen/logrus"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers one message. Implementations may block; callers run them on a task pool.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

// SMTPSender delivers through an SMTP relay with PLAIN auth
type SMTPSender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string

	// send is smtp.SendMail, replaced in tests
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(host, port, username, password, from string) *SMTPSender {
	return &SMTPSender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		send:     smtp.SendMail,
	}
}

func (s *SMTPSender) Send(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(message.To, "\r\n") || strings.ContainsAny(message.Subject, "\r\n") {
		return fmt.Errorf("refusing header injection in message to %q", message.To)
	}

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}

	body := "From: " + s.From + "\r\n" +
		"To: " + message.To + "\r\n" +
		"Subject: " + message.Subject + "\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" + message.Body + "\r\n"

	if err := s.send(net.JoinHostPort(s.Host, s.Port), auth, s.From, []string{message.To}, []byte(body)); err != nil {
		return fmt.Errorf("send mail to %s: %w", message.To, err)
	}
	return nil
}

// LogSender only logs messages, used when no relay is configured
type LogSender struct {
	Log *log.Entry
}

func (s LogSender) Send(ctx context.Context, message Message) error {
	s.Log.WithFields(log.Fields{
		"to":      message.To,
		"subject": message.Subject,
	}).Info(message.Body)
	return nil
}
