// Package bot implements the Telegram chat transport: a thin HTTP client
// for the bot API plus the command handler that bridges chat messages
// and the internal queues.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.telegram.org"

// clientTimeout bounds every API call. The bot runs inside a scheduler
// tick, so long polls are not an option; updates are fetched with a
// short poll instead.
const clientTimeout = 5 * time.Second

// Client is a minimal Telegram bot API client covering exactly the
// methods this application uses. Outbound messages are rate limited to
// stay under the per-chat API limit.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
}

// NewClient builds a client for the given bot token.
func NewClient(token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: clientTimeout},
		baseURL:    defaultBaseURL,
		token:      token,
		// One message per second per chat, with a small burst for the
		// drain loop.
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// WithBaseURL redirects API calls, used by tests.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = baseURL
	return c
}

// WithHTTPClient replaces the transport, used by tests.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

// Update is one element of a getUpdates response.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message"`
	CallbackQuery *CallbackQuery `json:"callback_query"`
}

// Message is an inbound chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      Chat   `json:"chat"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

// CallbackQuery is the press of an inline keyboard button.
type CallbackQuery struct {
	ID      string   `json:"id"`
	Data    string   `json:"data"`
	Message *Message `json:"message"`
}

// Command is one entry of the bot command menu.
type Command struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// Button is one inline keyboard button.
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// call posts one API method and decodes the result envelope.
func (c *Client) call(ctx context.Context, method string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s failed: %s", method, envelope.Description)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// Verify checks that the token is accepted by the API.
func (c *Client) Verify(ctx context.Context) error {
	return c.call(ctx, "getMe", struct{}{}, nil)
}

// GetUpdates short-polls for updates after the given offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	payload := map[string]interface{}{
		"offset":          offset,
		"timeout":         0,
		"allowed_updates": []string{"message", "callback_query"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage delivers a plain-text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	payload := map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

// SetCommands publishes the command menu.
func (c *Client) SetCommands(ctx context.Context, commands []Command) error {
	return c.call(ctx, "setMyCommands", map[string]interface{}{"commands": commands}, nil)
}

// SendInlineKeyboard sends a prompt with one button per row.
func (c *Client) SendInlineKeyboard(ctx context.Context, chatID, prompt string, buttons []Button) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	rows := make([][]Button, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, []Button{b})
	}
	payload := map[string]interface{}{
		"chat_id":      chatID,
		"text":         prompt,
		"reply_markup": map[string]interface{}{"inline_keyboard": rows},
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

// AnswerCallback acknowledges an inline button press so the client stops
// showing its progress indicator.
func (c *Client) AnswerCallback(ctx context.Context, callbackID string) error {
	return c.call(ctx, "answerCallbackQuery",
		map[string]interface{}{"callback_query_id": callbackID}, nil)
}
