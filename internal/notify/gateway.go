package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Gateway is the external delivery boundary: opaque token plus payload in,
// per-token success or failure out. Delivery is not guaranteed.
type Gateway interface {
	Push(ctx context.Context, token string, payload []byte) error
}

// HTTPGateway posts payloads to a push relay. Bodies are HMAC-signed when a
// shared secret is configured.
type HTTPGateway struct {
	URL    string
	Secret string
	HTTP   *http.Client
}

func NewHTTPGateway(url, secret string) *HTTPGateway {
	return &HTTPGateway{URL: url, Secret: secret, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

func (g *HTTPGateway) Push(ctx context.Context, token string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-Token", token)
	if g.Secret != "" {
		req.Header.Set("X-Signature", SignHMAC(g.Secret, payload))
	}
	resp, err := g.HTTP.Do(req)
	if err != nil {
		return err
	}
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway status %d", resp.StatusCode)
	}
	return nil
}

// LogGateway is the dev fallback when no push relay is configured: it logs
// deliveries and always succeeds.
type LogGateway struct{}

func (LogGateway) Push(ctx context.Context, token string, payload []byte) error {
	log.Printf("notify: (dev) push to %s: %s", token, payload)
	return nil
}

// SignHMAC returns lowercase hex of HMAC-SHA256 for use in headers
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("%x", mac.Sum(nil))
}

// VerifyHMAC checks an HMAC-SHA256 signature over the raw body.
func VerifyHMAC(secret string, body []byte, provided string) bool {
	return hmac.Equal([]byte(SignHMAC(secret, body)), []byte(provided))
}
