package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SMSChannel posts messages to an HTTP SMS gateway. The route address is
// the destination phone number.
type SMSChannel struct {
	gatewayURL string
	token      string
	client     *http.Client
	maxLen     int
}

// NewSMSChannel creates an SMS channel for the gateway at gatewayURL.
func NewSMSChannel(gatewayURL, token string, client *http.Client) *SMSChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SMSChannel{gatewayURL: gatewayURL, token: token, client: client, maxLen: 480}
}

// Name implements Channel.
func (c *SMSChannel) Name() string { return "sms" }

type smsRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// Send implements Channel.
func (c *SMSChannel) Send(ctx context.Context, address string, p Payload) error {
	text := p.Title
	if body := BodyText(p.Body); body != "" {
		text += ": " + body
	}
	if r := []rune(text); len(r) > c.maxLen {
		text = string(r[:c.maxLen-1]) + "…"
	}

	body, err := json.Marshal(smsRequest{To: address, Text: text})
	if err != nil {
		return fmt.Errorf("sms: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms: POST: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms: gateway returned %d", resp.StatusCode)
	}
	return nil
}
