package provider

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-notifier/internal/model"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTP sends email through a submission server with PLAIN auth.
type SMTP struct {
	addr     string
	auth     smtp.Auth
	from     string
	dir      Directory
	sendMail sendMailFunc
}

// NewSMTP constructs the email provider. Empty username disables auth.
func NewSMTP(host string, port int, username, password, from string, dir Directory) *SMTP {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTP{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		auth:     auth,
		from:     from,
		dir:      dir,
		sendMail: smtp.SendMail,
	}
}

// Send delivers content as a plain-text UTF-8 email.
func (s *SMTP) Send(ctx context.Context, userID uuid.UUID, content model.Content) error {
	to, err := recipient(ctx, s.dir, userID, model.ChannelEmail)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fail(model.ChannelEmail, err, true)
	}
	if err := s.sendMail(s.addr, s.auth, s.from, []string{to}, buildMessage(s.from, to, content)); err != nil {
		return fail(model.ChannelEmail, err, temporarySMTP(err))
	}
	return nil
}

func buildMessage(from, to string, c model.Content) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.NewReplacer("\r", " ", "\n", " ").Replace(c.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(c.Body)
	return []byte(b.String())
}

// temporarySMTP treats 4xx replies and transport errors as retryable, 5xx as permanent.
func temporarySMTP(err error) bool {
	msg := err.Error()
	return !(len(msg) >= 3 && msg[0] == '5' && msg[1] >= '0' && msg[1] <= '9')
}
