package restclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"quill/collab/internal/protocol"
)

// streamScanner splits a server-sent event stream into data payloads.
// Multi-line data is joined with "\n"; comments and other fields are
// ignored.
type streamScanner struct {
	reader *bufio.Reader
	data   string
	err    error
}

func newStreamScanner(r io.Reader) *streamScanner {
	return &streamScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (sc *streamScanner) Next() bool {
	var lines []string
	for {
		line, err := sc.reader.ReadString('\n')
		if err != nil && line == "" {
			if err != io.EOF {
				sc.err = err
				return false
			}
			if len(lines) > 0 {
				sc.data = strings.Join(lines, "\n")
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(lines) > 0 {
				sc.data = strings.Join(lines, "\n")
				return true
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field == "data" {
			lines = append(lines, strings.TrimPrefix(value, " "))
		}
	}
}

func (sc *streamScanner) Data() string { return sc.data }

func (sc *streamScanner) Err() error { return sc.err }

// AIChatStream asks the assistant for a streamed answer. Every chunk is
// passed to onChunk as it arrives; the concatenated answer is returned
// once the server sends done or closes the stream. Payloads that are not
// valid JSON are skipped.
func (c *Client) AIChatStream(ctx context.Context, req protocol.AIChatRequest, onChunk func(string)) (string, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/ai/chat-stream", req)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("POST /api/ai/chat-stream: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return "", err
	}

	var full strings.Builder
	scanner := newStreamScanner(resp.Body)
	for scanner.Next() {
		var chunk protocol.AIStreamChunk
		if err := json.Unmarshal([]byte(scanner.Data()), &chunk); err != nil {
			log.Printf("restclient: skip malformed stream line %q: %v", scanner.Data(), err)
			continue
		}
		if chunk.Chunk != "" {
			full.WriteString(chunk.Chunk)
			if onChunk != nil {
				onChunk(chunk.Chunk)
			}
		}
		if chunk.Done {
			return full.String(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("read ai stream: %w", err)
	}
	return full.String(), nil
}
