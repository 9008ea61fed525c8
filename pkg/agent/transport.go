package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport posts a serialized command to an agent and returns the raw response body.
// Implementations return plain errors; the Dispatcher classifies them.
type Transport interface {
	Send(ctx context.Context, url string, body []byte, header map[string]string, timeout time.Duration) ([]byte, error)
}

// maxResponseSize bounds how much of an agent response is read.
const maxResponseSize = 32 << 20

// HTTPTransport is the Transport used against real agents.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport creates a transport with its own http.Client. Per-call
// deadlines come from the timeout passed to Send.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{}}
}

func (t *HTTPTransport) Send(ctx context.Context, url string, body []byte, header map[string]string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := data
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, fmt.Errorf("http status %d from %s: %s", resp.StatusCode, url, snippet)
	}

	return data, nil
}
