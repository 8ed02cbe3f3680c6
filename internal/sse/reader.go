// Package sse decodes text/event-stream frames.
package sse

import (
	"bufio"
	"io"
	"strings"
)

const maxLineBytes = 4 << 20

// Event is one dispatched frame. ID is the last id seen on the stream, so
// it carries over frames that do not set one.
type Event struct {
	ID   string
	Name string
	Data string
}

type Reader struct {
	scanner *bufio.Scanner
	lastID  string
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{scanner: scanner}
}

// Next blocks until a complete event is dispatched. Comment lines and
// frames without data are skipped. io.EOF is returned when the stream ends,
// including when it ends mid-frame.
func (r *Reader) Next() (Event, error) {
	var (
		event   Event
		data    []string
		hasData bool
	)
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		if line == "" {
			if !hasData {
				event = Event{}
				continue
			}
			event.Data = strings.Join(data, "\n")
			if event.Name == "" {
				event.Name = "message"
			}
			event.ID = r.lastID
			return event, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "event":
			event.Name = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			if !strings.Contains(value, "\x00") {
				r.lastID = value
			}
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
