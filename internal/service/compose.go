package service

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-notifier/internal/model"
)

// ComposeRequest describes the notice to render.
type ComposeRequest struct {
	UserID  uuid.UUID
	Channel model.Channel
	Kind    model.DeliveryKind
	Tier    model.Tier // set for low-balance notices
}

// Composer renders the content handed to a provider.
type Composer interface {
	Compose(ctx context.Context, req ComposeRequest) (model.Content, error)
}

// StaticComposer renders fixed copy per delivery kind.
type StaticComposer struct {
	Scheduled model.Content
	Manual    model.Content
}

// DefaultComposer returns the built-in copy.
func DefaultComposer() StaticComposer {
	return StaticComposer{
		Scheduled: model.Content{
			Subject: "Your assistant digest",
			Body:    "New prompts and tips are waiting for you. Open the app to continue where you left off.",
		},
		Manual: model.Content{
			Subject: "Test notification",
			Body:    "This is a test notification. Delivery on this channel works.",
		},
	}
}

// Compose picks copy by kind; low-balance copy depends on the tier.
func (c StaticComposer) Compose(_ context.Context, req ComposeRequest) (model.Content, error) {
	switch req.Kind {
	case model.KindScheduled:
		return c.Scheduled, nil
	case model.KindManual:
		return c.Manual, nil
	case model.KindLowBalance:
		return lowBalanceContent(req.Tier), nil
	}
	return model.Content{}, fmt.Errorf("no copy for delivery kind %q", req.Kind)
}

func lowBalanceContent(t model.Tier) model.Content {
	switch t {
	case model.TierCritical:
		return model.Content{
			Subject: "You are out of tokens",
			Body:    "Your token balance is critically low. Top up now to keep using the assistant.",
		}
	case model.TierWarning:
		return model.Content{
			Subject: "Your token balance is running low",
			Body:    "Your token balance is low. Consider topping up soon.",
		}
	default:
		return model.Content{
			Subject: "Token balance reminder",
			Body:    "Your token balance is getting lower. Keep an eye on it.",
		}
	}
}
