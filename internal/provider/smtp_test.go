package provider

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/token-notifier/internal/errs"
	"github.com/and161185/token-notifier/internal/model"
)

func TestSMTP_Send(t *testing.T) {
	dir := fakeDir{addrs: map[model.Channel]string{model.ChannelEmail: "user@example.com"}}
	s := NewSMTP("smtp.example.com", 587, "bot", "secret", "noreply@example.com", dir)

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	s.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := s.Send(context.Background(), uuid.Must(uuid.NewV4()), model.Content{Subject: "Hello\nthere", Body: "balance is low"})
	require.NoError(t, err)
	require.Equal(t, "smtp.example.com:587", gotAddr)
	require.Equal(t, "noreply@example.com", gotFrom)
	require.Equal(t, []string{"user@example.com"}, gotTo)

	msg := string(gotMsg)
	require.True(t, strings.Contains(msg, "Subject: Hello there\r\n"))
	require.True(t, strings.HasSuffix(msg, "\r\n\r\nbalance is low"))
}

func TestSMTP_Send_Errors(t *testing.T) {
	dir := fakeDir{addrs: map[model.Channel]string{model.ChannelEmail: "user@example.com"}}
	s := NewSMTP("smtp.example.com", 25, "", "", "noreply@example.com", dir)
	uid := uuid.Must(uuid.NewV4())

	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("550 5.1.1 user unknown")
	}
	err := s.Send(context.Background(), uid, model.Content{Body: "x"})
	require.ErrorIs(t, err, errs.ErrProvider)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.False(t, pe.Temporary)

	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("421 try again later")
	}
	err = s.Send(context.Background(), uid, model.Content{Body: "x"})
	require.ErrorAs(t, err, &pe)
	require.True(t, pe.Temporary)

	called := false
	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error { called = true; return nil }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Send(ctx, uid, model.Content{Body: "x"}), context.Canceled)
	require.False(t, called)
}
