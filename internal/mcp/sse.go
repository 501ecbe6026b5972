package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"iter"
)

// event is one server-sent event.
type event struct {
	name string
	id   string
	data []byte
}

// scanEvents iterates over the server-sent events in r. The sequence
// ends with io.EOF when r is exhausted; a partial event at the end of
// the stream is still delivered.
func scanEvents(r io.Reader) iter.Seq2[event, error] {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)

	return func(yield func(event, error) bool) {
		var (
			evt     event
			data    bytes.Buffer
			pending bool
		)
		flush := func() bool {
			if !pending {
				return true
			}
			evt.data = bytes.Clone(data.Bytes())
			ok := yield(evt, nil)
			evt = event{}
			data.Reset()
			pending = false
			return ok
		}

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				if !flush() {
					return
				}
				continue
			}
			if line[0] == ':' {
				continue // comment / keepalive
			}

			field, value, _ := bytes.Cut(line, []byte(":"))
			value = bytes.TrimPrefix(value, []byte(" "))
			switch string(field) {
			case "event":
				evt.name = string(value)
			case "id":
				evt.id = string(value)
			case "data":
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.Write(value)
			default:
				continue
			}
			pending = true
		}

		if err := scanner.Err(); err != nil {
			yield(event{}, err)
			return
		}
		if !flush() {
			return
		}
		yield(event{}, io.EOF)
	}
}

// errStreamEnded is returned when an event stream closes before the
// awaited response arrives.
var errStreamEnded = errors.New("event stream ended before response")
