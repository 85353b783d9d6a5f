package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/mender-agent/pkg/log"
	"github.com/rs/zerolog"
)

// HTTPClient is the default Client implementation, backed by net/http.
// It is intended for the host simulator and integration tests; a real
// device wires Client to its own platform HTTP/TLS stack.
type HTTPClient struct {
	host       string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPClient creates an HTTPClient that resolves relative paths
// against host.
func NewHTTPClient(host string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		host:       host,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithComponent("transport"),
	}
}

// Perform implements Client.
func (c *HTTPClient) Perform(token, path string, method Method, body, signature []byte, cb Callback) (int, error) {
	url := c.resolve(path)

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequest(string(method), url, reqBody)
	if err != nil {
		return 0, fmt.Errorf("transport: building request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if len(signature) > 0 {
		req.Header.Set("X-MEN-Signature", string(signature))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		_ = cb(Event{Kind: Error, Err: err})
		return 0, fmt.Errorf("transport: performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := cb(Event{Kind: Connected}); err != nil {
		return resp.StatusCode, err
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if cbErr := cb(Event{Kind: DataReceived, Data: chunk}); cbErr != nil {
				return resp.StatusCode, cbErr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = cb(Event{Kind: Error, Err: rerr})
			return resp.StatusCode, fmt.Errorf("transport: reading response: %w", rerr)
		}
	}

	if err := cb(Event{Kind: Disconnected}); err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

func (c *HTTPClient) resolve(path string) string {
	if hasScheme(path) {
		return path
	}
	return c.host + path
}

func hasScheme(path string) bool {
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case ':':
			return i > 0
		case '/':
			return false
		}
	}
	return false
}
