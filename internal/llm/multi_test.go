package llm

import (
	"context"
	"errors"
	"testing"
)

type stubClient struct {
	name    string
	pingErr error
	got     []string
}

func (s *stubClient) ChatStream(_ context.Context, req *Request) (Stream, error) {
	s.got = append(s.got, req.Model)
	return NewSliceStream([]Fragment{TextFragment(s.name)}, nil), nil
}

func (s *stubClient) Ping(context.Context) error { return s.pingErr }

func TestMultiClientRouting(t *testing.T) {
	fallback := &stubClient{name: "fallback"}
	claude := &stubClient{name: "anthropic"}

	m := NewMultiClient(fallback)
	m.AddProvider("anthropic", claude)
	m.AddModel("claude-sonnet", "anthropic")

	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet", "anthropic"},
		{"gpt-4o", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			stream, err := m.ChatStream(context.Background(), &Request{Model: tt.model})
			if err != nil {
				t.Fatalf("ChatStream: %v", err)
			}
			msg, err := Collect(context.Background(), stream, nil)
			if err != nil {
				t.Fatalf("Collect: %v", err)
			}
			if msg.Content != tt.want {
				t.Errorf("routed to %q, want %q", msg.Content, tt.want)
			}
		})
	}
}

func TestMultiClientNoProvider(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.ChatStream(context.Background(), &Request{Model: "x"}); err == nil {
		t.Error("expected error with no provider")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("expected ping error with no providers")
	}
}

func TestMultiClientPing(t *testing.T) {
	down := errors.New("down")
	m := NewMultiClient(&stubClient{})
	m.AddProvider("ollama", &stubClient{pingErr: down})

	if err := m.Ping(context.Background()); !errors.Is(err, down) {
		t.Errorf("Ping = %v, want wrapped provider error", err)
	}
}
