// Package sender performs the actual SMTP submission of one rendered
// campaign message to one recipient.
package sender

import (
	"context"
	"crypto/tls"
	"fmt"

	"gopkg.in/gomail.v2"

	easymail "github.com/ratons127/easy-mail-campaining"
)

// Message is one fully rendered delivery. ReturnPath is the envelope sender,
// carrying the campaign and recipient reference the bounce listener parses.
type Message struct {
	From        easymail.SenderIdentity
	To          string
	ToName      string
	Subject     string
	HTML        string
	Text        string
	Attachments []string
	ReturnPath  string
}

type Sender interface {
	Send(ctx context.Context, account easymail.SmtpAccount, msg Message) error
}

type SMTP struct{}

func New() *SMTP {
	return &SMTP{}
}

func (s *SMTP) Send(ctx context.Context, account easymail.SmtpAccount, msg Message) error {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.From.Email, msg.From.DisplayName)
	m.SetAddressHeader("To", msg.To, msg.ToName)
	m.SetHeader("Subject", msg.Subject)

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}
	for _, path := range msg.Attachments {
		m.Attach(path)
	}

	d := gomail.NewDialer(account.Host, account.Port, account.Username, account.Password)
	d.SSL = account.Port == 465
	if account.UseTLS {
		d.TLSConfig = &tls.Config{ServerName: account.Host}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	closer, err := d.Dial()
	if err != nil {
		return fmt.Errorf("failed to dial %s:%d, %w", account.Host, account.Port, err)
	}
	defer func() {
		_ = closer.Close()
	}()

	from := msg.ReturnPath
	if from == "" {
		from = msg.From.Email
	}
	return closer.Send(from, []string{msg.To}, m)
}
