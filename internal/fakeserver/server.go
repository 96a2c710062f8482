// Package fakeserver is an in-process backend that speaks the delivery wire
// protocol. It verifies signatures, records every request, and answers with
// scripted status codes. Tests run it under httptest; `carrier fake-backend`
// serves it for local QA.
package fakeserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/roach88/carrier/internal/ir"
	"github.com/roach88/carrier/internal/sign"
)

const maxBody = 32 << 20

// Received is one request as the server saw it.
type Received struct {
	Host       string
	Endpoint   string
	Fields     url.Values
	RequestID  string
	Attachment []byte

	// SignatureOK is false when sig was missing or wrong. Such requests are
	// answered 403.
	SignatureOK bool

	// Duplicate is set when the request id was already accepted.
	Duplicate bool
}

// Server is the fake backend.
//
// Thread-safety: safe for concurrent use.
type Server struct {
	secret string
	logger *slog.Logger
	router *mux.Router

	mu        sync.Mutex
	host      string
	sessionID string
	scripts   map[string][]int
	received  []Received
	accepted  map[string]bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithSessionID sets the session id returned by discovery.
func WithSessionID(id string) Option {
	return func(s *Server) { s.sessionID = id }
}

// New creates a server that verifies signatures with secret.
func New(secret string, opts ...Option) *Server {
	s := &Server{
		secret:   secret,
		logger:   slog.Default(),
		scripts:  make(map[string][]int),
		accepted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/services.json", s.handleDiscovery).Methods(http.MethodPost)
	r.HandleFunc("/games/{app_id}/users.json", s.handleValidate).Methods(http.MethodPost)
	r.HandleFunc("/me/feed_post.json", s.handleFeedPost).Methods(http.MethodPost)
	r.PathPrefix("/").HandlerFunc(s.handleDefault).Methods(http.MethodPost)
	s.router = r
	return s
}

// Handler returns the HTTP handler, traced through otelhttp.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "carrier-fake-backend")
}

// SetHost sets the host discovery hands out for every service class. Empty
// means the host the discovery request was sent to.
func (s *Server) SetHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = host
}

// Script queues status codes for endpoint. Each request pops one; the last
// code repeats. Unscripted endpoints answer 200.
func (s *Server) Script(endpoint string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[endpoint] = append([]int(nil), codes...)
}

// Received returns a copy of every request seen so far.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// Count returns how many requests reached endpoint.
func (s *Server) Count(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.received {
		if r.Endpoint == endpoint {
			n++
		}
	}
	return n
}

// Accepted returns how many distinct request ids were answered 200.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accepted)
}

func (s *Server) nextStatus(endpoint string) int {
	codes := s.scripts[endpoint]
	if len(codes) == 0 {
		return http.StatusOK
	}
	code := codes[0]
	if len(codes) > 1 {
		s.scripts[endpoint] = codes[1:]
	}
	return code
}

// receive parses and verifies the request. It returns the status to answer
// with; anything other than 200 has already been written.
func (s *Server) receive(w http.ResponseWriter, r *http.Request) (Received, int) {
	rec := Received{Host: r.Host, Endpoint: r.URL.Path}

	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		err = r.ParseMultipartForm(maxBody)
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		err = r.ParseForm()
	}
	if err != nil {
		s.logger.Warn("unreadable request", "endpoint", rec.Endpoint, "error", err)
		writeReply(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return rec, http.StatusBadRequest
	}
	rec.Fields = r.PostForm
	rec.RequestID = r.PostForm.Get("request_id")

	if r.MultipartForm != nil {
		if files := r.MultipartForm.File["image_bytes"]; len(files) > 0 {
			if f, err := files[0].Open(); err == nil {
				rec.Attachment, _ = io.ReadAll(f)
				f.Close()
			}
		}
	}

	fields := ir.Object{}
	for k, v := range r.PostForm {
		if k != ir.SignatureField && len(v) > 0 {
			fields[k] = ir.String(v[0])
		}
	}
	ok, err := sign.Verify(r.Host, rec.Endpoint, s.secret, fields, r.PostForm.Get(ir.SignatureField))
	rec.SignatureOK = err == nil && ok

	s.mu.Lock()
	status := http.StatusForbidden
	if rec.SignatureOK {
		status = s.nextStatus(rec.Endpoint)
		if status == http.StatusOK && rec.RequestID != "" {
			rec.Duplicate = s.accepted[rec.RequestID]
			s.accepted[rec.RequestID] = true
		}
	}
	s.received = append(s.received, rec)
	s.mu.Unlock()

	s.logger.Debug("request received",
		"host", rec.Host,
		"endpoint", rec.Endpoint,
		"request_id", rec.RequestID,
		"signature_ok", rec.SignatureOK,
		"duplicate", rec.Duplicate,
		"status", status)

	if !rec.SignatureOK {
		writeReply(w, status, map[string]any{"error": "invalid signature"})
		return rec, status
	}
	if status != http.StatusOK {
		writeReply(w, status, map[string]any{"error": http.StatusText(status)})
	}
	return rec, status
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if _, status := s.receive(w, r); status != http.StatusOK {
		return
	}
	s.mu.Lock()
	host, session := s.host, s.sessionID
	s.mu.Unlock()
	if host == "" {
		host = r.Host
	}
	reply := map[string]any{"post": host, "auth": host, "metrics": host}
	if session != "" {
		reply["session_id"] = session
	}
	writeReply(w, http.StatusOK, reply)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if _, status := s.receive(w, r); status != http.StatusOK {
		return
	}
	writeReply(w, http.StatusOK, map[string]any{"app_id": mux.Vars(r)["app_id"]})
}

func (s *Server) handleFeedPost(w http.ResponseWriter, r *http.Request) {
	rec, status := s.receive(w, r)
	if status != http.StatusOK {
		return
	}
	writeReply(w, http.StatusOK, map[string]any{
		"fb_data": map[string]any{
			"object_instance_id": rec.Fields.Get("object_instance_id"),
		},
	})
}

func (s *Server) handleDefault(w http.ResponseWriter, r *http.Request) {
	if _, status := s.receive(w, r); status != http.StatusOK {
		return
	}
	writeReply(w, http.StatusOK, nil)
}

// writeReply writes a JSON body whose "code" mirrors the status.
func writeReply(w http.ResponseWriter, status int, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	body["code"] = status
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
