package executor

import (
	"bufio"
	"bytes"
	"context"
	"io"
)

const (
	sseInitialBuffer = 64 * 1024
	sseMaxLine       = 50 * 1024 * 1024
)

var (
	sseDataPrefix  = []byte("data:")
	sseEventPrefix = []byte("event:")
	sseDone        = []byte("[DONE]")
)

// scanSSE reads a server sent event stream and calls fn with the event name
// and data of every data line. It stops at [DONE], at EOF, when fn returns
// false or when ctx is done.
func scanSSE(ctx context.Context, body io.Reader, fn func(event string, data []byte) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, sseInitialBuffer), sseMaxLine)

	var event string
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		switch {
		case len(line) == 0:
			event = ""
		case bytes.HasPrefix(line, sseEventPrefix):
			event = string(bytes.TrimSpace(line[len(sseEventPrefix):]))
		case bytes.HasPrefix(line, sseDataPrefix):
			data := bytes.TrimSpace(line[len(sseDataPrefix):])
			if bytes.Equal(data, sseDone) {
				return nil
			}
			if len(data) == 0 {
				continue
			}
			if !fn(event, data) {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ctx.Err()
}
