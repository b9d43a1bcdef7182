package feed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSEDialer connects to a text/event-stream endpoint over HTTP.
type SSEDialer struct {
	URL string
	// Client defaults to a client without a timeout, since streams are
	// long-lived.
	Client *http.Client
}

func (d *SSEDialer) Dial(ctx context.Context) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	client := d.Client
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", d.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("connecting to %s: unexpected status %s", d.URL, resp.Status)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: resp.Body, sc: sc}, nil
}

type sseStream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
}

// Recv returns the data of the next event. Multi-line data is joined with
// newlines; comments and other fields are skipped.
func (s *sseStream) Recv() ([]byte, error) {
	var data strings.Builder
	for s.sc.Scan() {
		line := s.sc.Text()
		if line == "" {
			// Blank line = event boundary
			if data.Len() > 0 {
				return []byte(data.String()), nil
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			chunk := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(chunk)
		}
	}
	if err := s.sc.Err(); err != nil {
		return nil, err
	}
	if data.Len() > 0 {
		return []byte(data.String()), nil
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
