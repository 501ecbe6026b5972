package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
)

// FragmentKind identifies the type of stream fragment.
type FragmentKind int

const (
	// FragmentText is an incremental piece of assistant text.
	FragmentText FragmentKind = iota + 1

	// FragmentToolCall is an incremental piece of one tool call,
	// identified by its positional index.
	FragmentToolCall
)

// String returns the fragment kind name.
func (k FragmentKind) String() string {
	switch k {
	case FragmentText:
		return "text"
	case FragmentToolCall:
		return "tool_call"
	default:
		return fmt.Sprintf("FragmentKind(%d)", int(k))
	}
}

// Fragment is one increment of a streamed completion. Consumers switch
// on Kind to determine which field is set.
type Fragment struct {
	Kind FragmentKind

	// Text is set for FragmentText.
	Text string

	// ToolCall is set for FragmentToolCall. Any of ID, Type and
	// Function.Name may be empty on a continuation fragment;
	// Function.Arguments carries only this fragment's increment.
	ToolCall ToolCall
}

// TextFragment returns a text fragment.
func TextFragment(text string) Fragment {
	return Fragment{Kind: FragmentText, Text: text}
}

// ToolCallFragment returns a tool-call fragment.
func ToolCallFragment(index int, id, name, args string) Fragment {
	f := Fragment{Kind: FragmentToolCall}
	f.ToolCall.Index = index
	f.ToolCall.ID = id
	f.ToolCall.Function.Name = name
	f.ToolCall.Function.Arguments = args
	if id != "" || name != "" {
		f.ToolCall.Type = "function"
	}
	return f
}

// Stream is a finite sequence of fragments from one completion. Recv
// returns io.EOF after the last fragment. Close releases the underlying
// connection, may be called more than once, and unblocks a pending Recv.
type Stream interface {
	Recv() (Fragment, error)
	Close() error
}

// TokenFunc observes text increments as they arrive.
type TokenFunc func(text string)

// StreamError reports a completion stream that failed before it ended.
// Partial holds everything aggregated up to the failure.
type StreamError struct {
	Partial Message
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	return fmt.Sprintf("completion stream failed: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *StreamError) Unwrap() error { return e.Err }

// Aggregator rebuilds one assistant message from stream fragments.
// The result depends only on the order of fragments, never on how the
// provider split text or arguments between them.
type Aggregator struct {
	content strings.Builder
	calls   map[int]*ToolCall
	args    map[int]*strings.Builder
}

// Add folds one fragment into the message under construction.
func (a *Aggregator) Add(f Fragment) error {
	switch f.Kind {
	case FragmentText:
		a.content.WriteString(f.Text)
		return nil
	case FragmentToolCall:
		a.addToolCall(f.ToolCall)
		return nil
	default:
		return fmt.Errorf("unknown fragment kind %v", f.Kind)
	}
}

func (a *Aggregator) addToolCall(tc ToolCall) {
	if a.calls == nil {
		a.calls = make(map[int]*ToolCall)
		a.args = make(map[int]*strings.Builder)
	}
	call, ok := a.calls[tc.Index]
	if !ok {
		call = &ToolCall{Index: tc.Index}
		a.calls[tc.Index] = call
		a.args[tc.Index] = &strings.Builder{}
	}
	if call.ID == "" {
		call.ID = tc.ID
	}
	if call.Type == "" {
		call.Type = tc.Type
	}
	if call.Function.Name == "" {
		call.Function.Name = tc.Function.Name
	}
	a.args[tc.Index].WriteString(tc.Function.Arguments)
}

// Message returns the assistant message aggregated so far, with tool
// calls ordered by index.
func (a *Aggregator) Message() Message {
	msg := Message{Role: RoleAssistant, Content: a.content.String()}
	if len(a.calls) == 0 {
		return msg
	}

	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)

	msg.ToolCalls = make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		call := *a.calls[i]
		call.Function.Arguments = a.args[i].String()
		msg.ToolCalls = append(msg.ToolCalls, call)
	}
	return msg
}

// Collect drives stream to completion and returns the aggregated
// assistant message. Text increments are passed to onToken, if non-nil,
// as they arrive. The stream is always closed; cancelling ctx closes it
// early, which unblocks a pending Recv. Any failure before io.EOF is
// returned as a *StreamError carrying the partial message.
func Collect(ctx context.Context, stream Stream, onToken TokenFunc) (Message, error) {
	var once sync.Once
	closeStream := func() { once.Do(func() { _ = stream.Close() }) }
	defer closeStream()

	stop := context.AfterFunc(ctx, closeStream)
	defer stop()

	var agg Aggregator
	for {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return agg.Message(), nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return Message{}, &StreamError{Partial: agg.Message(), Err: err}
		}

		if err := agg.Add(frag); err != nil {
			return Message{}, &StreamError{Partial: agg.Message(), Err: err}
		}
		if frag.Kind == FragmentText && onToken != nil && frag.Text != "" {
			onToken(frag.Text)
		}
	}
}

// SliceStream is a Stream over a fixed set of fragments, for providers
// that answer in a single body and for tests.
type SliceStream struct {
	mu     sync.Mutex
	frags  []Fragment
	err    error
	closed bool
}

// NewSliceStream returns a stream that yields frags and then err, or
// io.EOF when err is nil.
func NewSliceStream(frags []Fragment, err error) *SliceStream {
	return &SliceStream{frags: frags, err: err}
}

// Recv returns the next fragment.
func (s *SliceStream) Recv() (Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Fragment{}, errStreamClosed
	}
	if len(s.frags) == 0 {
		if s.err != nil {
			return Fragment{}, s.err
		}
		return Fragment{}, io.EOF
	}
	f := s.frags[0]
	s.frags = s.frags[1:]
	return f, nil
}

// Close marks the stream closed.
func (s *SliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

var errStreamClosed = errors.New("stream closed")
