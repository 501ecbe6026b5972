package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeout(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, 30 * time.Second},
		{"custom", []ClientOption{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"streaming", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func echoUserAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get("User-Agent"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func getBody(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := echoUserAgent(t)

	tests := []struct {
		name     string
		opts     []ClientOption
		preset   string
		wantPfx  string
		wantNone bool
	}{
		{name: "default", wantPfx: "mcpchat/"},
		{name: "override", opts: []ClientOption{WithUserAgent("TestBot/1.0")}, wantPfx: "TestBot/1.0"},
		{name: "caller header kept", preset: "Custom/2.0", wantPfx: "Custom/2.0"},
		{name: "disabled", opts: []ClientOption{WithUserAgent("")}, wantNone: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tt.preset != "" {
				req.Header.Set("User-Agent", tt.preset)
			}
			got := getBody(t, NewClient(tt.opts...), req)
			if tt.wantNone {
				if strings.HasPrefix(got, "mcpchat/") {
					t.Errorf("User-Agent = %q, want no injected value", got)
				}
				return
			}
			if !strings.HasPrefix(got, tt.wantPfx) {
				t.Errorf("User-Agent = %q, want prefix %q", got, tt.wantPfx)
			}
		})
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v", tr.TLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
	}
}

func TestNewClient_WithTransport(t *testing.T) {
	custom := NewTransport()
	custom.ResponseHeaderTimeout = 2 * time.Minute

	c := NewClient(WithTransport(custom), WithUserAgent(""))
	if c.Transport != custom {
		t.Errorf("expected custom transport to be used directly")
	}
}

func TestReadErrorBody(t *testing.T) {
	tests := []struct {
		name  string
		body  io.ReadCloser
		limit int64
		want  string
	}{
		{"nil", nil, 10, ""},
		{"short", io.NopCloser(strings.NewReader("bad request")), 100, "bad request"},
		{"truncated", io.NopCloser(strings.NewReader("0123456789")), 4, "0123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReadErrorBody(tt.body, tt.limit); got != tt.want {
				t.Errorf("ReadErrorBody = %q, want %q", got, tt.want)
			}
		})
	}
}

type errReader struct{ closed bool }

func (r *errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }
func (r *errReader) Close() error             { r.closed = true; return nil }

func TestReadErrorBody_Error(t *testing.T) {
	r := &errReader{}
	got := ReadErrorBody(r, 10)
	if !strings.Contains(got, "boom") {
		t.Errorf("ReadErrorBody = %q", got)
	}
	if !r.closed {
		t.Error("body not closed")
	}
}

type countingReader struct {
	remaining int
	read      int
	closed    bool
}

func (r *countingReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		return 0, io.EOF
	}
	n := min(len(p), r.remaining)
	r.remaining -= n
	r.read += n
	return n, nil
}

func (r *countingReader) Close() error { r.closed = true; return nil }

func TestDrainAndClose_LimitsReading(t *testing.T) {
	r := &countingReader{remaining: 1 << 20}
	DrainAndClose(r, 100)
	if r.read != 100 {
		t.Errorf("read %d bytes, want 100", r.read)
	}
	if !r.closed {
		t.Error("body not closed")
	}
	DrainAndClose(nil, 100) // must not panic
}

// failingRoundTripper fails with EHOSTUNREACH a set number of times.
type failingRoundTripper struct {
	failures int
	calls    int
}

func (f *failingRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: os.NewSyscallError("connect", syscall.EHOSTUNREACH),
		}
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func newRetry(base http.RoundTripper, count int, delay time.Duration) *retryTransport {
	return &retryTransport{base: base, count: count, delay: delay, logger: slog.Default()}
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		count     int
		wantErr   bool
		wantCalls int
	}{
		{"success first try", 0, 2, false, 1},
		{"recovers after one failure", 1, 2, false, 2},
		{"exhausts retries", 10, 2, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &failingRoundTripper{failures: tt.failures}
			req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)

			resp, err := newRetry(ft, tt.count, time.Millisecond).RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if resp != nil {
				resp.Body.Close()
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_RespectsContextCancellation(t *testing.T) {
	ft := &failingRoundTripper{failures: 10}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.com", nil)
	start := time.Now()
	_, err := newRetry(ft, 5, 5*time.Second).RoundTrip(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("retry did not stop on context cancellation")
	}
}

func TestRetryTransport_Body(t *testing.T) {
	t.Run("rewindable body is retried", func(t *testing.T) {
		ft := &failingRoundTripper{failures: 1}
		req, _ := http.NewRequest(http.MethodPost, "http://example.com", strings.NewReader(`{"k":"v"}`))
		resp, err := newRetry(ft, 2, time.Millisecond).RoundTrip(req)
		if err != nil {
			t.Fatalf("expected success after retry, got: %v", err)
		}
		resp.Body.Close()
	})

	t.Run("body without GetBody is not retried", func(t *testing.T) {
		ft := &failingRoundTripper{failures: 1}
		req, _ := http.NewRequest(http.MethodPost, "http://example.com", strings.NewReader(`{"k":"v"}`))
		req.GetBody = nil
		if _, err := newRetry(ft, 2, time.Millisecond).RoundTrip(req); err == nil {
			t.Fatal("expected error without retry")
		}
		if ft.calls != 1 {
			t.Errorf("calls = %d, want 1", ft.calls)
		}
	})
}

func TestIsRetryableError(t *testing.T) {
	wrap := func(errno syscall.Errno) error {
		return &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", errno)}
	}
	tests := []struct {
		err  error
		want bool
	}{
		{syscall.EHOSTUNREACH, true},
		{wrap(syscall.ENETUNREACH), true},
		{wrap(syscall.ECONNREFUSED), true},
		{fmt.Errorf("post: %w", wrap(syscall.ECONNREFUSED)), true},
		{wrap(syscall.ECONNRESET), false},
		{errors.New("something else"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
