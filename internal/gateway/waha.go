// Package gateway talks to the WAHA HTTP API for outbound WhatsApp traffic.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// StatusError is a non-2xx answer from the gateway. Callers use the code
// to separate rejected requests from transient outages.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("waha: unexpected status %d: %s", e.Code, e.Body)
}

type Client struct {
	baseURL    string
	apiKey     string
	session    string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey, session string, timeout time.Duration) *Client {
	if session == "" {
		session = "default"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		session:    session,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type sendTextRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

type sendTextResponse struct {
	ID json.RawMessage `json:"id"`
	// Some WAHA builds nest the id under _data.
	Data struct {
		ID struct {
			Serialized string `json:"_serialized"`
		} `json:"id"`
	} `json:"_data"`
}

// SendText delivers text to the phone number and returns the gateway's
// message id when one is reported.
func (c *Client) SendText(ctx context.Context, phone, text string) (string, error) {
	body, err := json.Marshal(sendTextRequest{
		Session: c.session,
		ChatID:  phone + "@c.us",
		Text:    text,
	})
	if err != nil {
		return "", fmt.Errorf("waha: marshal send request: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/sendText", body)
	if err != nil {
		return "", err
	}

	var res sendTextResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		// Delivery already happened; a malformed body only costs the id.
		log.Printf("waha: decode send response: %v", err)
		return "", nil
	}
	if res.Data.ID.Serialized != "" {
		return res.Data.ID.Serialized, nil
	}
	var plain string
	if json.Unmarshal(res.ID, &plain) == nil {
		return plain, nil
	}
	return "", nil
}

// SendTyping starts the typing presence for the chat. Presence is cosmetic,
// so callers treat errors as non-fatal.
func (c *Client) SendTyping(ctx context.Context, phone string) error {
	body, err := json.Marshal(map[string]string{
		"chatId":   phone + "@c.us",
		"presence": "typing",
	})
	if err != nil {
		return fmt.Errorf("waha: marshal presence request: %w", err)
	}
	url := fmt.Sprintf("%s/api/%s/presence", c.baseURL, c.session)
	_, err = c.do(ctx, http.MethodPost, url, body)
	return err
}

// Ping checks the sessions endpoint answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, c.baseURL+"/api/sessions", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("waha: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("waha: request failed: %w", err)
	}
	defer res.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &StatusError{Code: res.StatusCode, Body: string(raw)}
	}
	if readErr != nil {
		return nil, fmt.Errorf("waha: read response: %w", readErr)
	}
	return raw, nil
}
