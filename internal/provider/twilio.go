package provider

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/and161185/token-notifier/internal/model"
)

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Twilio sends messaging-channel notices as SMS. The stored address is an E.164 number.
type Twilio struct {
	api  messageCreator
	from string
	dir  Directory
}

// NewTwilio constructs the SMS provider from account credentials.
func NewTwilio(accountSID, authToken, from string, dir Directory) *Twilio {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Twilio{api: client.Api, from: from, dir: dir}
}

// Send creates one outbound message.
func (t *Twilio) Send(ctx context.Context, userID uuid.UUID, content model.Content) error {
	to, err := recipient(ctx, t.dir, userID, model.ChannelMessaging)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fail(model.ChannelMessaging, err, true)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(t.from)
	params.SetBody(text(content))
	if _, err := t.api.CreateMessage(params); err != nil {
		temporary := true
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) {
			temporary = restErr.Status == 429 || restErr.Status >= 500
		}
		return fail(model.ChannelMessaging, err, temporary)
	}
	return nil
}
