package gateway

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
	"strings"
	"time"

	"storefront-checkout/internal/util"
)

// signFunc adds provider authentication headers to an outgoing request.
type signFunc func(req *http.Request, path string, body []byte)

// jsonClient posts JSON to a provider API and decodes the reply.
type jsonClient struct {
	provider Provider
	baseURL  string
	http     *http.Client
	sign     signFunc
}

func newJSONClient(provider Provider, baseURL string, timeout time.Duration, sign signFunc) *jsonClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &jsonClient{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		sign:     sign,
	}
}

func (c *jsonClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	start := time.Now()
	defer func() {
		util.GatewayLatency.WithLabelValues(string(c.provider), path).Observe(time.Since(start).Seconds())
	}()

	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.sign != nil {
		c.sign(req, path, body)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s request failed: %w", c.provider, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%s %s returned status %d", c.provider, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func hmacHex(key, payload string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func sha256Hex(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// signaturesEqual compares two hex signatures in constant time, ignoring case.
func signaturesEqual(expected, got string) bool {
	return hmac.Equal([]byte(strings.ToLower(expected)), []byte(strings.ToLower(got)))
}
