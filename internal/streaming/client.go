package streaming

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/italolelis/audiobook_backend/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxErrorBody = 512

// Client reads audio streams from the streaming service.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient creates a streaming service client. The transfer itself is bounded by the caller's
// context; headerTimeout only bounds the wait for the response headers.
func NewClient(baseURL string, headerTimeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout

	return &Client{
		client:  &http.Client{Transport: otelhttp.NewTransport(transport)},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Open requests the audiobook rendition and returns its body. The caller closes it.
func (c *Client) Open(ctx context.Context, audiobookID, quality string) (*transfer.Stream, error) {
	u := fmt.Sprintf("%s/audiobooks/%s/stream?quality=%s", c.baseURL, url.PathEscape(audiobookID), url.QueryEscape(quality))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &transfer.NetworkError{Operation: "open_stream", APIMessage: err.Error(), Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()

		return nil, &transfer.AuthenticationError{Operation: "open_stream"}
	case resp.StatusCode != http.StatusOK:
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return nil, &transfer.NetworkError{
			Operation:  "open_stream",
			StatusCode: resp.StatusCode,
			APIMessage: strings.TrimSpace(string(body)),
		}
	}

	return &transfer.Stream{Body: resp.Body, Size: resp.ContentLength}, nil
}
