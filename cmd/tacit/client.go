package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/tacit/internal/events"
	api "github.com/fyrsmithlabs/tacit/internal/http"
)

// client talks to the tacitd REST API.
type client struct {
	base   string
	http   *http.Client
	stream *http.Client
}

func newClient() *client {
	return &client{
		base:   strings.TrimRight(serverURL, "/"),
		http:   &http.Client{Timeout: timeout},
		stream: &http.Client{},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

func (c *client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *client) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, c.http, method, path, in, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw, err = io.ReadAll(resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *client) send(ctx context.Context, hc *http.Client, method, path string, in any, accept string) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", c.base+path, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var e api.ErrorResponse
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return nil, &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	return resp, nil
}

// streamEvents reads a Server-Sent Events response and calls fn for each
// event until a terminal event or the end of the stream.
func (c *client) streamEvents(ctx context.Context, method, path string, in any, fn func(events.Event)) (*events.Event, error) {
	resp, err := c.send(ctx, c.stream, method, path, in, "text/event-stream")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readSSE(resp.Body, fn)
}

// readSSE parses "event:"/"data:" frames. Comment lines (heartbeats) are
// skipped. It returns the terminal event, or nil if the stream ended
// without one.
func readSSE(r io.Reader, fn func(events.Event)) (*events.Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var e events.Event
			if err := json.Unmarshal([]byte(data.String()), &e); err != nil {
				return nil, fmt.Errorf("decoding event: %w", err)
			}
			data.Reset()
			fn(e)
			if e.Terminal() {
				return &e, nil
			}
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return nil, nil
}
