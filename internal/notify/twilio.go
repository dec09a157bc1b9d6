package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Provider error codes that change a customer's subscription state.
const (
	twilioCodeUnsubscribed  = 21610
	twilioCodeInvalidNumber = 21211
	twilioCodeNotMobile     = 21614
)

// TwilioSender posts messages to a Twilio-compatible Messages API.
type TwilioSender struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	Client     *http.Client
}

// NewTwilioSender returns a sender with a bounded HTTP client.
func NewTwilioSender(baseURL, sid, token, from string) *TwilioSender {
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &TwilioSender{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AccountSID: sid,
		AuthToken:  token,
		From:       from,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Status   int    `json:"status"`
	MoreInfo string `json:"more_info"`
}

type twilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// Send creates one message resource.
func (s *TwilioSender) Send(ctx context.Context, to, body string) (Outcome, error) {
	if strings.TrimSpace(to) == "" {
		return Failed, ErrEmptyRecipient
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.From)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.BaseURL, url.PathEscape(s.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Failed, err
	}
	req.SetBasicAuth(s.AccountSID, s.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Failed, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var m twilioMessage
		_ = json.Unmarshal(raw, &m)
		if m.Status == "failed" || m.Status == "undelivered" {
			return Failed, fmt.Errorf("twilio: message %s %s", m.SID, m.Status)
		}
		return Delivered, nil
	}

	var te twilioError
	if err := json.Unmarshal(raw, &te); err != nil {
		return Failed, fmt.Errorf("twilio: http %d", resp.StatusCode)
	}
	switch te.Code {
	case twilioCodeUnsubscribed:
		return Unsubscribed, fmt.Errorf("twilio %d: %s", te.Code, te.Message)
	case twilioCodeInvalidNumber, twilioCodeNotMobile:
		return InvalidNumber, fmt.Errorf("twilio %d: %s", te.Code, te.Message)
	}
	return Failed, fmt.Errorf("twilio %d (http %d): %s", te.Code, resp.StatusCode, te.Message)
}
