package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/roach88/carrier/internal/transport"
)

// ErrConnectionRefused is the transport error used by NetworkFailure.
var ErrConnectionRefused = errors.New("connection refused")

// Reply is one scripted response. A non-nil Err simulates a transport
// failure; otherwise Status and Body are returned.
type Reply struct {
	Status int
	Body   string
	Err    error
}

// Status returns a reply whose body mirrors the status as {"code":N}.
func Status(code int) Reply {
	return Reply{Status: code, Body: fmt.Sprintf(`{"code":%d}`, code)}
}

// NetworkFailure returns a reply that fails before any response.
func NetworkFailure() Reply {
	return Reply{Err: ErrConnectionRefused}
}

// DiscoveryReply returns a successful discovery answer.
func DiscoveryReply(post, auth, metrics, sessionID string) Reply {
	body := fmt.Sprintf(`{"code":200,"post":%q,"auth":%q,"metrics":%q`, post, auth, metrics)
	if sessionID != "" {
		body += fmt.Sprintf(`,"session_id":%q`, sessionID)
	}
	return Reply{Status: 200, Body: body + "}"}
}

// Call records one Post.
type Call struct {
	URL        string
	Host       string
	Path       string
	Form       url.Values
	Attachment *transport.Attachment
}

// ScriptedTransport is a transport.Transport that answers from per-path
// scripts. Each path pops its replies in order and repeats the last one;
// unscripted paths get the default reply, 200 unless changed.
//
// Hold makes every Post block until Release or its context ends, which lets
// tests observe requests in flight.
//
// Thread-safety: safe for concurrent use.
type ScriptedTransport struct {
	mu       sync.Mutex
	scripts  map[string][]Reply
	fallback Reply
	calls    []Call
	held     chan struct{}
}

// NewScriptedTransport creates a transport that answers 200 to everything.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{
		scripts:  make(map[string][]Reply),
		fallback: Status(200),
	}
}

// Route scripts the replies for path, replacing any earlier script.
func (s *ScriptedTransport) Route(path string, replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[path] = append([]Reply(nil), replies...)
}

// Default sets the reply for unscripted paths.
func (s *ScriptedTransport) Default(r Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = r
}

// Hold blocks subsequent Posts after they are recorded.
func (s *ScriptedTransport) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		s.held = make(chan struct{})
	}
}

// Release unblocks held Posts.
func (s *ScriptedTransport) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held != nil {
		close(s.held)
		s.held = nil
	}
}

// Post implements transport.Transport.
func (s *ScriptedTransport) Post(ctx context.Context, rawURL string, form url.Values, attachment *transport.Attachment) (*transport.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	call := Call{URL: rawURL, Host: u.Host, Path: u.Path, Form: cloneForm(form)}
	if attachment != nil {
		a := *attachment
		a.Data = append([]byte(nil), attachment.Data...)
		call.Attachment = &a
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	reply := s.nextLocked(u.Path)
	held := s.held
	s.mu.Unlock()

	if held != nil {
		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, fmt.Errorf("post %s: %w", rawURL, reply.Err)
	}
	return &transport.Response{StatusCode: reply.Status, Body: []byte(reply.Body)}, nil
}

func (s *ScriptedTransport) nextLocked(path string) Reply {
	script, ok := s.scripts[path]
	if !ok || len(script) == 0 {
		return s.fallback
	}
	r := script[0]
	if len(script) > 1 {
		s.scripts[path] = script[1:]
	}
	return r
}

// Calls returns every recorded call in order.
func (s *ScriptedTransport) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsTo returns the recorded calls for path.
func (s *ScriptedTransport) CallsTo(path string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many calls were made to path.
func (s *ScriptedTransport) Count(path string) int {
	return len(s.CallsTo(path))
}

func cloneForm(form url.Values) url.Values {
	out := make(url.Values, len(form))
	for k, v := range form {
		out[k] = append([]string(nil), v...)
	}
	return out
}
