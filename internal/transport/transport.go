// Package transport sends signed request bodies to the backend.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

// DefaultTimeout bounds one round trip, including reading the reply.
const DefaultTimeout = 30 * time.Second

// maxReplyBytes caps how much of a reply body is read.
const maxReplyBytes = 1 << 20

// Attachment is a binary field sent as a multipart file part.
type Attachment struct {
	Field    string
	Filename string
	Data     []byte
}

// Response is what came back from the server.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport posts a form to a URL. A returned error means no response
// reached the caller; any HTTP status, including 5xx, is a Response.
type Transport interface {
	Post(ctx context.Context, rawURL string, form url.Values, attachment *Attachment) (*Response, error)
}

// HTTP is the net/http Transport. Requests are traced through otelhttp.
type HTTP struct {
	client *http.Client
	logger *slog.Logger
}

// Option configures HTTP.
type Option func(*HTTP)

// WithTimeout sets the per-request timeout. Zero means DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTP) {
		if d > 0 {
			h.client.Timeout = d
		}
	}
}

// WithBaseTransport replaces the underlying RoundTripper. It is still
// wrapped for tracing.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(h *HTTP) {
		h.client.Transport = instrument(rt)
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTP) { h.logger = l }
}

// NewHTTP builds an HTTP transport.
func NewHTTP(opts ...Option) *HTTP {
	h := &HTTP{
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: instrument(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func instrument(rt http.RoundTripper) http.RoundTripper {
	return otelhttp.NewTransport(rt,
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "carrier " + r.Method + " " + r.URL.Path
		}),
	)
}

// Post sends form as application/x-www-form-urlencoded, or as
// multipart/form-data when attachment is non-nil.
func (h *HTTP) Post(ctx context.Context, rawURL string, form url.Values, attachment *Attachment) (*Response, error) {
	body, contentType, err := EncodeBody(form, attachment)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("read reply from %s: %w", rawURL, err)
	}

	h.logger.Debug("http round trip",
		"url", rawURL,
		"status", resp.StatusCode,
		"bytes", len(reply),
		"elapsed", time.Since(start))
	return &Response{StatusCode: resp.StatusCode, Body: reply}, nil
}

// EncodeBody renders the request body and its content type. Fields are
// written in sorted key order so bodies are reproducible.
func EncodeBody(form url.Values, attachment *Attachment) ([]byte, string, error) {
	if attachment == nil {
		return []byte(form.Encode()), "application/x-www-form-urlencoded", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range form[k] {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", fmt.Errorf("write field %s: %w", k, err)
			}
		}
	}

	filename := attachment.Filename
	if filename == "" {
		filename = "file.dat"
	}
	part, err := w.CreateFormFile(attachment.Field, filename)
	if err != nil {
		return nil, "", fmt.Errorf("create part %s: %w", attachment.Field, err)
	}
	if _, err := part.Write(attachment.Data); err != nil {
		return nil, "", fmt.Errorf("write part %s: %w", attachment.Field, err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// JoinURL builds scheme://host/endpoint.
func JoinURL(scheme, host, endpoint string) string {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	u := url.URL{Scheme: scheme, Host: host}
	return u.String() + endpoint
}
