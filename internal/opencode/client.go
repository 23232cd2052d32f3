package opencode

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"model-fallback/internal/modelref"
	"model-fallback/internal/stream"
)

// Client represents an OpenCode API client
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	stream  *stream.SSEClient
}

// NewClient creates a new OpenCode client
func NewClient(baseURL string, timeout int) *Client {
	// The OpenCode server is local; never route through an environment proxy.
	transport := &http.Transport{
		Proxy:               nil,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	client := &http.Client{
		Timeout:   time.Duration(timeout) * time.Second,
		Transport: transport,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: time.Duration(timeout) * time.Second,
		client:  client,
		stream:  stream.NewSSEClient(time.Duration(timeout) * time.Second),
	}
}

// MessageResponse represents a message with its parts as returned by
// GET /session/{id}/message
type MessageResponse struct {
	Info  MessageInfo           `json:"info"`
	Parts []MessagePartResponse `json:"parts"`
}

// MessageInfo represents the info field in a message response
type MessageInfo struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionID"`
	Role       string          `json:"role"`
	Time       MessageTime     `json:"time"`
	ModelID    string          `json:"modelID,omitempty"`
	ProviderID string          `json:"providerID,omitempty"`
	Model      *ModelSelection `json:"model,omitempty"` // set on user messages
	Agent      string          `json:"agent,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

// MessageTime represents time fields in message info
type MessageTime struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// MessagePartResponse represents a part in the message response
type MessagePartResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
	Mime      string `json:"mime,omitempty"`
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url,omitempty"`
	Name      string `json:"name,omitempty"`
}

// MessagePart is a prompt input part
type MessagePart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
	Mime      string `json:"mime,omitempty"`
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url,omitempty"`
	Name      string `json:"name,omitempty"`
}

// InputPart converts a stored part back into prompt input. Only text, file
// and agent parts can be resent.
func (p MessagePartResponse) InputPart() (MessagePart, bool) {
	switch p.Type {
	case "text", "file", "agent":
		return MessagePart{
			Type:      p.Type,
			Text:      p.Text,
			Synthetic: p.Synthetic,
			Mime:      p.Mime,
			Filename:  p.Filename,
			URL:       p.URL,
			Name:      p.Name,
		}, true
	}
	return MessagePart{}, false
}

// UserMessage is the replayable content of a user-authored message
type UserMessage struct {
	ID    string
	Parts []MessagePart
}

// ModelSelection represents a model selection
type ModelSelection struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// PromptRequest represents the body of a prompt request
type PromptRequest struct {
	Model *ModelSelection `json:"model,omitempty"`
	Parts []MessagePart   `json:"parts"`
}

// ProviderInfo represents a configured AI provider
type ProviderInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// configProvidersResponse is the body of GET /config/providers
type configProvidersResponse struct {
	Providers []ProviderInfo  `json:"providers"`
	Default   json.RawMessage `json:"default,omitempty"`
}

// Toast variants accepted by the TUI
const (
	ToastInfo    = "info"
	ToastSuccess = "success"
	ToastWarning = "warning"
	ToastError   = "error"
)

// ErrorResponse represents an error response from OpenCode API
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for HTTP responses with status >= 400
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API request failed with status %d", e.StatusCode)
}

// request makes an HTTP request to the OpenCode API
func (c *Client) request(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(jsonData)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	log.Debugf("Making %s request to %s", method, url)
	return c.client.Do(req)
}

// decodeResponse decodes the JSON response
func decodeResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// HealthCheck checks if the OpenCode server is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.request(ctx, "GET", "/global/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// ListProviders returns the providers configured on the server
func (c *Client) ListProviders(ctx context.Context) ([]ProviderInfo, error) {
	resp, err := c.request(ctx, "GET", "/config/providers", nil)
	if err != nil {
		return nil, err
	}

	var providersResp configProvidersResponse
	if err := decodeResponse(resp, &providersResp); err != nil {
		return nil, err
	}
	return providersResp.Providers, nil
}

// GetMessages gets all messages in a session, oldest first
func (c *Client) GetMessages(ctx context.Context, sessionID string) ([]MessageResponse, error) {
	resp, err := c.request(ctx, "GET", fmt.Sprintf("/session/%s/message", sessionID), nil)
	if err != nil {
		return nil, err
	}

	var messages []MessageResponse
	if err := decodeResponse(resp, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SessionModel returns the model of the most recent message that records
// one, or nil when the session has no such message.
func (c *Client) SessionModel(ctx context.Context, sessionID string) (*modelref.Ref, error) {
	messages, err := c.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	for i := len(messages) - 1; i >= 0; i-- {
		info := messages[i].Info
		if info.ProviderID != "" && info.ModelID != "" {
			return &modelref.Ref{ProviderID: info.ProviderID, ModelID: info.ModelID}, nil
		}
		if info.Model != nil && info.Model.ProviderID != "" && info.Model.ModelID != "" {
			return &modelref.Ref{ProviderID: info.Model.ProviderID, ModelID: info.Model.ModelID}, nil
		}
	}
	return nil, nil
}

// LastUserMessage scans the history newest first and returns the first
// user-authored message, or nil when there is none.
func (c *Client) LastUserMessage(ctx context.Context, sessionID string) (*UserMessage, error) {
	messages, err := c.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if !strings.EqualFold(msg.Info.Role, "user") {
			continue
		}
		userMsg := &UserMessage{ID: msg.Info.ID}
		for _, part := range msg.Parts {
			if input, ok := part.InputPart(); ok {
				userMsg.Parts = append(userMsg.Parts, input)
			}
		}
		return userMsg, nil
	}
	return nil, nil
}

// generateMessageID generates a unique message ID starting with "msg"
func generateMessageID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return fmt.Sprintf("msg-%s", hex.EncodeToString(buf))
}

// SetSessionModel initializes the session with a specific model through
// POST /session/{id}/init. The server runs a full agent turn on that model
// to analyze the project and may write AGENTS.md into the working tree, so
// each call costs one model turn.
func (c *Client) SetSessionModel(ctx context.Context, sessionID string, model modelref.Ref) error {
	messageID := generateMessageID()
	reqBody := map[string]interface{}{
		"modelID":    model.ModelID,
		"providerID": model.ProviderID,
		"messageID":  messageID,
	}
	log.Debugf("Initializing session %s with model %s (messageID: %s)", sessionID, model, messageID)

	startTime := time.Now()
	resp, err := c.request(ctx, "POST", fmt.Sprintf("/session/%s/init", sessionID), reqBody)
	elapsed := time.Since(startTime)
	if err != nil {
		return fmt.Errorf("init request for session %s failed after %v: %w", sessionID, elapsed, err)
	}
	if err := decodeResponse(resp, nil); err != nil {
		return fmt.Errorf("failed to initialize session with model %s: %w", model, err)
	}

	log.Debugf("Initialized session %s with model %s after %v", sessionID, model, elapsed)
	return nil
}

// SendPrompt queues a prompt on the session using model. The server
// answers immediately; the reply arrives through the event stream.
func (c *Client) SendPrompt(ctx context.Context, sessionID string, model modelref.Ref, parts []MessagePart) error {
	reqBody := PromptRequest{
		Model: &ModelSelection{ProviderID: model.ProviderID, ModelID: model.ModelID},
		Parts: parts,
	}

	resp, err := c.request(ctx, "POST", fmt.Sprintf("/session/%s/prompt_async", sessionID), reqBody)
	if err != nil {
		return err
	}
	if err := decodeResponse(resp, nil); err != nil {
		return fmt.Errorf("failed to send prompt to session %s: %w", sessionID, err)
	}
	return nil
}

// Toast shows a toast in the OpenCode TUI
func (c *Client) Toast(ctx context.Context, message, variant string) error {
	reqBody := map[string]interface{}{
		"title":   "Model fallback",
		"message": message,
		"variant": variant,
	}
	resp, err := c.request(ctx, "POST", "/tui/show-toast", reqBody)
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

// WriteLog appends an entry to the server log
func (c *Client) WriteLog(ctx context.Context, level, message string, extra map[string]interface{}) error {
	reqBody := map[string]interface{}{
		"service": "model-fallback",
		"level":   level,
		"message": message,
	}
	if len(extra) > 0 {
		reqBody["extra"] = extra
	}
	resp, err := c.request(ctx, "POST", "/log", reqBody)
	if err != nil {
		return err
	}
	return decodeResponse(resp, nil)
}

// StreamEvents subscribes to the server event stream and calls callback for
// every decoded event until the stream closes or ctx ends.
func (c *Client) StreamEvents(ctx context.Context, callback func(Event) error) error {
	return c.stream.Subscribe(ctx, c.baseURL+"/event", func(sse stream.SSEEvent) error {
		event, err := ParseEvent([]byte(sse.Data))
		if err != nil {
			log.Debugf("Skipping undecodable event: %v", err)
			return nil
		}
		return callback(event)
	})
}
