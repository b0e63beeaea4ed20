// Package twilio sends WhatsApp messages through the Twilio REST API
// and verifies the signatures Twilio puts on its webhook requests.
package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nugget/kindred/internal/httpkit"
)

// DefaultBaseURL is the Twilio REST API root.
const DefaultBaseURL = "https://api.twilio.com"

// WhatsAppPrefix marks a WhatsApp address in Twilio's To and From fields.
const WhatsAppPrefix = "whatsapp:"

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// Config configures a [Client].
type Config struct {
	AccountSID string
	AuthToken  string

	// From is the sending WhatsApp address, with or without the
	// whatsapp: prefix.
	From string

	BaseURL string
	Timeout time.Duration
}

// Client sends WhatsApp messages via Twilio.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. A zero Timeout means 30 seconds.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout)),
		logger:     logger.With("transport", "twilio"),
	}
}

// Name identifies the transport in logs and status output.
func (c *Client) Name() string { return "twilio" }

type messageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send delivers body to the WhatsApp address to. It is not retried.
func (c *Client) Send(ctx context.Context, to, body string) error {
	form := url.Values{}
	form.Set("From", WhatsAppAddress(c.cfg.From))
	form.Set("To", WhatsAppAddress(to))
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		var apiErr messageResponse
		if json.Unmarshal([]byte(errBody), &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("twilio error %d (code %d): %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("twilio error %d: %s", resp.StatusCode, errBody)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	var out messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	c.logger.Debug("message queued",
		"sid", out.SID,
		"status", out.Status,
		"length", len(body),
	)
	return nil
}

// WhatsAppAddress adds the whatsapp: prefix to a phone number if it is
// missing.
func WhatsAppAddress(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, WhatsAppPrefix) {
		return number
	}
	return WhatsAppPrefix + number
}

// Address strips the whatsapp: prefix from a Twilio From value,
// yielding the bare phone number.
func Address(from string) string {
	return strings.TrimPrefix(strings.TrimSpace(from), WhatsAppPrefix)
}

// Signature computes Twilio's request signature: the full request URL
// followed by every POST parameter name and value, sorted by name,
// signed with HMAC-SHA1 under the auth token and base64 encoded.
func Signature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(fullURL)
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, v := range values {
			sb.WriteString(k)
			sb.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(sb.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateSignature reports whether signature matches the expected
// signature for the request.
func ValidateSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	expected := Signature(authToken, fullURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}
