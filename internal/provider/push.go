package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-notifier/internal/model"
)

// Push posts notices to a push gateway webhook. The stored address is the device token.
type Push struct {
	endpoint string
	apiKey   string
	client   *http.Client
	dir      Directory
}

// NewPush constructs the push provider.
func NewPush(endpoint, apiKey string, timeout time.Duration, dir Directory) *Push {
	return &Push{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		dir:      dir,
	}
}

type pushPayload struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Send posts one notification; any non-2xx reply is a failure.
func (p *Push) Send(ctx context.Context, userID uuid.UUID, content model.Content) error {
	token, err := recipient(ctx, p.dir, userID, model.ChannelPush)
	if err != nil {
		return err
	}

	body, err := json.Marshal(pushPayload{
		UserID: userID.String(),
		Token:  token,
		Title:  content.Subject,
		Body:   content.Body,
	})
	if err != nil {
		return fail(model.ChannelPush, err, false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(model.ChannelPush, err, false)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fail(model.ChannelPush, err, true)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode/100 != 2 {
		temporary := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return fail(model.ChannelPush, fmt.Errorf("gateway replied %s", resp.Status), temporary)
	}
	return nil
}
