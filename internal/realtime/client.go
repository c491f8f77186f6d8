package realtime

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SSEDialer opens one Server-Sent Events stream per Dial call. The token is
// sent both as a bearer header and a query parameter, matching what the
// server accepts for EventSource clients.
type SSEDialer struct {
	URL    string
	Token  string
	Client *http.Client
}

func (d *SSEDialer) httpClient() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	// No overall timeout: the stream is long-lived by design.
	return &http.Client{Transport: &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
	}}
}

// Dial opens the stream. Any non-200 status is a setup failure; the server
// rejects bad auth or membership before emitting a single frame.
func (d *SSEDialer) Dial(ctx context.Context) (FrameReader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
		q := req.URL.Query()
		q.Set("token", d.Token)
		req.URL.RawQuery = q.Encode()
	}

	resp, err := d.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("stream rejected with status %d", resp.StatusCode)
	}
	return &sseReader{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// sseReader parses the SSE wire format: data lines accumulate until a blank
// line terminates the event.
type sseReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (r *sseReader) Next() ([]byte, error) {
	var data [][]byte
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		switch {
		case len(line) == 0:
			if len(data) > 0 {
				return bytes.Join(data, []byte("\n")), nil
			}
		case bytes.HasPrefix(line, []byte("data:")):
			payload := bytes.TrimPrefix(line, []byte("data:"))
			payload = bytes.TrimPrefix(payload, []byte(" "))
			data = append(data, append([]byte(nil), payload...))
		default:
			// comments and other fields are ignored
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (r *sseReader) Close() error {
	return r.body.Close()
}
