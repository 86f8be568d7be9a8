package provider

import (
	"bufio"
	"io"
	"strings"
)

// ParseSSE consumes a Server-Sent Events stream line by line. "data:"
// lines accumulate into a record terminated by a blank line; each complete
// record is handed to the handler together with any "event:" type. Comment
// lines (":"), "id:", and "retry:" are ignored. The handler returning an
// error stops the scan.
func ParseSSE(reader io.Reader, handler func(eventType, data string) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if eventType != "" || len(dataLines) > 0 {
				if err := handler(eventType, strings.Join(dataLines, "\n")); err != nil {
					return err
				}
				eventType = ""
				dataLines = nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	// A final record without a trailing blank line still counts.
	if eventType != "" || len(dataLines) > 0 {
		if err := handler(eventType, strings.Join(dataLines, "\n")); err != nil {
			return err
		}
	}
	return scanner.Err()
}
