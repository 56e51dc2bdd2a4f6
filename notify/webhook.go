package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hazyhaar/vigie/idgen"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body,
// prefixed with "sha256=".
const SignatureHeader = "X-Signature-256"

// DeliveryHeader carries the envelope id.
const DeliveryHeader = "X-Vigie-Delivery"

// WebhookChannel POSTs the JSON envelope to the route address.
type WebhookChannel struct {
	secret string
	client *http.Client
	newID  func() string
}

// NewWebhookChannel creates a webhook channel. When secret is non-empty,
// every body is signed. A nil client uses a 10s-timeout default.
func NewWebhookChannel(secret string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookChannel{
		secret: secret,
		client: client,
		newID:  idgen.Prefixed("dlv_", idgen.UUIDv7()),
	}
}

// Name implements Channel.
func (c *WebhookChannel) Name() string { return "webhook" }

// Send implements Channel.
func (c *WebhookChannel) Send(ctx context.Context, address string, p Payload) error {
	env := Envelope{
		Type:        EnvelopeType,
		ID:          c.newID(),
		Timestamp:   time.Now().UTC(),
		RecipientID: p.RecipientID,
		Payload:     p,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, env.ID)
	if c.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(c.secret, body))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: POST: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a SignatureHeader value against body.
func VerifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		header = header[len(prefix):]
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
