// Package telegram sends dispatcher notifications through the Telegram Bot
// API.
//
// Two kinds of messages are sent:
//   - Critical alerts when the service cannot work (tracking login failed)
//   - Batch summaries: a PNG table with a short caption
//
// A nil *Client is valid and silently drops every message, so callers do not
// need to check whether notifications are configured.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"logimon/internal/api"
	"logimon/internal/logger"
)

// DefaultBaseURL is the Bot API root.
const DefaultBaseURL = "https://api.telegram.org"

// Client represents a Telegram bot client.
//
// Fields:
//   - BotToken: Telegram bot API token
//   - ChatID: Target chat ID for notifications
//   - BaseURL: API root, overridable for tests
//   - DebugMode: If true, skip actual API calls
type Client struct {
	BotToken  string
	ChatID    string
	BaseURL   string
	DebugMode bool

	http *http.Client
	now  func() time.Time
	log  logger.Logger
}

// Message represents a Telegram message for sending.
type Message struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// NewClient creates a client, or returns nil when token or chat ID is
// missing.
func NewClient(token, chatID string, debug bool, log logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	if token == "" || chatID == "" {
		log.Warnf("⚠️  TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID not set. Telegram notifications disabled.")
		return nil
	}
	if debug {
		log.Infof("🐛 DEBUG MODE ENABLED - Telegram calls will be simulated")
	}
	return &Client{
		BotToken:  token,
		ChatID:    chatID,
		BaseURL:   DefaultBaseURL,
		DebugMode: debug,
		http:      api.GetHTTPClient(),
		now:       time.Now,
		log:       log,
	}
}

// SetHTTPClient replaces the transport, mainly for tests.
func (c *Client) SetHTTPClient(hc *http.Client) { c.http = hc }

func (c *Client) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(c.BaseURL, "/"), c.BotToken, method)
}

// doRequest posts body to a Bot API method and checks the "ok" flag.
func (c *Client) doRequest(ctx context.Context, method, contentType string, body []byte) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(method), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result apiResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram API error: %s", result.Description)
	}
	return &result, nil
}

func (c *Client) sendJSON(ctx context.Context, method string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	_, err = c.doRequest(ctx, method, "application/json", data)
	return err
}

// SendMessage sends an HTML-formatted text message.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	if c == nil {
		return nil
	}
	if c.DebugMode {
		c.log.Infof("🐛 Telegram message (not sent): %s", text)
		return nil
	}
	return c.sendJSON(ctx, "sendMessage", Message{
		ChatID:                c.ChatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
}

// SendCriticalAlert sends a critical failure alert.
//
// Alert format:
//
//	🚨 CRITICAL ALERT - LOGIMON
//	Error Type: Tracking login failure
//	Error Message: [details]
//	Retry Attempts: 3
//	Timestamp: 2025-02-02 10:30:00
func (c *Client) SendCriticalAlert(ctx context.Context, errorType, errorMsg string, retryCount int) error {
	if c == nil {
		return nil
	}
	c.log.Infof("🚨 Sending critical alert to Telegram...")

	text := fmt.Sprintf(
		"🚨 <b>CRITICAL ALERT - LOGIMON</b>\n\n"+
			"<b>Error Type:</b> %s\n"+
			"<b>Error Message:</b> %s\n"+
			"<b>Retry Attempts:</b> %d\n"+
			"<b>Timestamp:</b> %s\n\n"+
			"⚠️ <b>Action Required:</b> Please check the service.",
		html.EscapeString(errorType),
		html.EscapeString(errorMsg),
		retryCount,
		c.now().Format("2006-01-02 15:04:05"),
	)
	if err := c.SendMessage(ctx, text); err != nil {
		return fmt.Errorf("failed to send Telegram alert: %w", err)
	}
	c.log.Infof("✓ Critical alert sent")
	return nil
}

// SendPhoto uploads a PNG with a caption.
func (c *Client) SendPhoto(ctx context.Context, filename string, png []byte, caption string) error {
	if c == nil {
		return nil
	}
	if c.DebugMode {
		c.log.Infof("🐛 Telegram photo %s (%d bytes, not sent): %s", filename, len(png), caption)
		return nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{"chat_id": c.ChatID, "caption": caption, "parse_mode": "HTML"}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	part, err := mw.CreateFormFile("photo", filename)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(png); err != nil {
		return fmt.Errorf("failed to write photo: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to close multipart: %w", err)
	}

	_, err = c.doRequest(ctx, "sendPhoto", mw.FormDataContentType(), buf.Bytes())
	return err
}

// BatchCounts is the caption data of a batch summary.
type BatchCounts struct {
	BatchID  string
	Total    int
	Complete int
	Aborted  int
	Failed   int
	Skipped  int
	Late     int
	Elapsed  time.Duration
}

// Caption renders the summary caption.
func (b BatchCounts) Caption() string {
	var s strings.Builder
	fmt.Fprintf(&s, "🚚 <b>Batch finished</b> in %s\n", b.Elapsed.Round(time.Second))
	fmt.Fprintf(&s, "✓ %d complete, %d aborted, ❌ %d failed", b.Complete, b.Aborted, b.Failed)
	if b.Skipped > 0 {
		fmt.Fprintf(&s, ", %d skipped", b.Skipped)
	}
	if b.Late > 0 {
		fmt.Fprintf(&s, "\n⚠️ %d late", b.Late)
	}
	return s.String()
}

// SendBatchSummary sends the rendered table with the counts as caption. A
// nil image falls back to a text message.
func (c *Client) SendBatchSummary(ctx context.Context, counts BatchCounts, png []byte) error {
	if c == nil {
		return nil
	}
	if len(png) == 0 {
		return c.SendMessage(ctx, counts.Caption())
	}
	name := "batch.png"
	if counts.BatchID != "" {
		name = "batch-" + counts.BatchID + ".png"
	}
	if err := c.SendPhoto(ctx, name, png, counts.Caption()); err != nil {
		return fmt.Errorf("failed to send batch summary: %w", err)
	}
	return nil
}
