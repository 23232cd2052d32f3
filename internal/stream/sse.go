package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SSEEvent represents a Server-Sent Event
type SSEEvent struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// Decoder reads events from a text/event-stream body
type Decoder struct {
	reader *bufio.Reader
}

// NewDecoder creates a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r)}
}

// Next returns the next event carrying data. It returns io.EOF when the
// stream ends; a trailing event without a blank line is still delivered.
func (d *Decoder) Next() (SSEEvent, error) {
	var event SSEEvent
	hasData := false

	for {
		line, err := d.reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF && hasData {
				return event, nil
			}
			return SSEEvent{}, err
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		// Empty line indicates end of event
		if line == "" {
			if hasData {
				return event, nil
			}
			event = SSEEvent{}
			continue
		}

		// Comment line
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := line, ""
		if colonIndex := strings.Index(line, ":"); colonIndex != -1 {
			field = line[:colonIndex]
			value = strings.TrimPrefix(line[colonIndex+1:], " ")
		}

		switch field {
		case "id":
			event.ID = value
		case "event":
			event.Event = value
		case "data":
			if hasData {
				event.Data += "\n" + value
			} else {
				event.Data = value
				hasData = true
			}
		case "retry":
			if retry, convErr := strconv.Atoi(value); convErr == nil {
				event.Retry = retry
			}
		}

		if err == io.EOF {
			if hasData {
				return event, nil
			}
			return SSEEvent{}, io.EOF
		}
	}
}

// SSEClient represents an SSE client
type SSEClient struct {
	client *http.Client
}

// NewSSEClient creates a new SSE client. headerTimeout bounds the wait for
// response headers only; the stream itself stays open until ctx ends.
func NewSSEClient(headerTimeout time.Duration) *SSEClient {
	return &SSEClient{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 nil,
				ResponseHeaderTimeout: headerTimeout,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

// Subscribe connects to url and calls callback for each event until the
// stream ends, ctx is cancelled, or callback returns an error.
func (c *SSEClient) Subscribe(ctx context.Context, url string, callback func(SSEEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("SSE connection failed with status %d", resp.StatusCode)
	}

	decoder := NewDecoder(resp.Body)
	for {
		event, err := decoder.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := callback(event); err != nil {
			return err
		}
	}
}
