package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/stockwatch/connectivity"
)

// DefaultTwilioBaseURL is the Twilio REST API root.
const DefaultTwilioBaseURL = "https://api.twilio.com"

// TwilioConfig holds the SMS account settings.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// From is the sending phone number in E.164 form.
	From string
	// BaseURL overrides the API root (tests).
	BaseURL string
	Client  *http.Client
}

// TwilioChannel sends SMS through the Twilio Messages API.
type TwilioChannel struct {
	cfg TwilioConfig
}

// NewTwilioChannel validates cfg and returns a channel.
func NewTwilioChannel(cfg TwilioConfig) (*TwilioChannel, error) {
	switch {
	case cfg.AccountSID == "":
		return nil, &ErrNotConfigured{Platform: "twilio", Field: "account_sid"}
	case cfg.AuthToken == "":
		return nil, &ErrNotConfigured{Platform: "twilio", Field: "auth_token"}
	case cfg.From == "":
		return nil, &ErrNotConfigured{Platform: "twilio", Field: "from"}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTwilioBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TwilioChannel{cfg: cfg}, nil
}

// Platform implements Channel.
func (c *TwilioChannel) Platform() string { return "twilio" }

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send implements Channel. 4xx responses are permanent.
func (c *TwilioChannel) Send(ctx context.Context, msg Message) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(c.cfg.AccountSID))

	form := url.Values{}
	form.Set("To", msg.Destination)
	form.Set("From", c.cfg.From)
	form.Set("Body", msg.Body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return c.fail(msg, fmt.Errorf("new request: %w", err))
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return c.fail(msg, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	cause := fmt.Errorf("status %d", resp.StatusCode)
	var te twilioError
	if json.Unmarshal(body, &te) == nil && te.Message != "" {
		cause = fmt.Errorf("status %d: code %d: %s", resp.StatusCode, te.Code, te.Message)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		cause = connectivity.Permanent(cause)
	}
	return c.fail(msg, cause)
}

func (c *TwilioChannel) fail(msg Message, err error) error {
	return &ErrSendFailed{Platform: "twilio", Destination: msg.Destination, Cause: err}
}
