package subscription

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"opsconsole/internal/sse"
)

// Stream is one open push channel.
type Stream interface {
	Next() (sse.Event, error)
	Close() error
}

// Dialer opens a push channel. lastEventID is the id of the last event seen
// on the previous channel to the same endpoint, or empty.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, lastEventID string) (Stream, error)
}

// HTTPDialer opens text/event-stream responses with a plain GET.
type HTTPDialer struct {
	Client *http.Client
	Header http.Header
}

func (d HTTPDialer) Dial(ctx context.Context, endpoint string, lastEventID string) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	for key, values := range d.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open stream %s: http %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return &httpStream{body: resp.Body, reader: sse.NewReader(resp.Body)}, nil
}

type httpStream struct {
	body   io.ReadCloser
	reader *sse.Reader
}

func (s *httpStream) Next() (sse.Event, error) {
	return s.reader.Next()
}

func (s *httpStream) Close() error {
	return s.body.Close()
}
