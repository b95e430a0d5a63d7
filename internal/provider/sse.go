package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// readEvents scans a server-sent event body and hands every data payload to
// decode. decode returns true once the stream is finished.
func readEvents(ctx context.Context, body io.ReadCloser, ch chan<- *StreamChunk, decode func(data string) (*StreamChunk, bool)) {
	defer close(ch)
	defer body.Close()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		chunk, done := decode(strings.TrimPrefix(line, "data: "))
		if chunk != nil {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if done {
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case ch <- &StreamChunk{Err: err, Done: true}:
		case <-ctx.Done():
		}
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
}
