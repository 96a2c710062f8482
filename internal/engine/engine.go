package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/roach88/carrier/internal/clock"
	"github.com/roach88/carrier/internal/ir"
	"github.com/roach88/carrier/internal/sign"
	"github.com/roach88/carrier/internal/store"
	"github.com/roach88/carrier/internal/transport"
)

// Defaults for Settings.
const (
	DefaultDiscoveryHost = "services.gocarrot.com"
	DefaultScheme        = "https"
	DefaultSDKType       = "go"
)

// AttachmentField is the multipart field that carries a request attachment.
const AttachmentField = "image_bytes"

// Settings identify the application to the backend.
type Settings struct {
	AppID      string
	AppSecret  string
	AppVersion string
	AppBuildID string

	SDKPlatform string
	SDKType     string

	// DiscoveryHost is the bootstrap host for the discovery call.
	DiscoveryHost string

	// Scheme is "https" or "http".
	Scheme string

	// LaunchURL is reported to discovery when the app was opened by a link.
	LaunchURL string
}

func (s Settings) withDefaults() Settings {
	if s.DiscoveryHost == "" {
		s.DiscoveryHost = DefaultDiscoveryHost
	}
	if s.Scheme == "" {
		s.Scheme = DefaultScheme
	}
	if s.SDKType == "" {
		s.SDKType = DefaultSDKType
	}
	if s.SDKPlatform == "" {
		s.SDKPlatform = runtime.GOOS
	}
	return s
}

// Validate checks the fields the engine cannot run without.
func (s Settings) Validate() error {
	if s.AppID == "" {
		return invalidArgument("app id must not be empty")
	}
	if s.AppSecret == "" {
		return invalidArgument("app secret must not be empty")
	}
	if s.Scheme != "" && s.Scheme != "https" && s.Scheme != "http" {
		return invalidArgument("scheme must be http or https, got %q", s.Scheme)
	}
	return nil
}

// Engine delivers requests for one installation and one user at a time.
//
// Thread-safety model:
//   - every exported method is safe from any goroutine
//   - each dispatch runs on its own goroutine and never blocks the caller
//   - a stored entry is never delivered by two goroutines at once
//
// INVARIANTS:
//   - stored entries leave the store only on a terminal outcome or when the
//     retry budget drops them
//   - Metrics-class outcomes never move the auth status
//   - after Close no callback fires and the store is not touched
type Engine struct {
	settings  Settings
	store     *store.Store
	transport transport.Transport
	clock     clock.Clock
	ids       ir.IDGenerator
	random    store.RandomSource
	logger    *slog.Logger
	metrics   *metrics
	limiter   *rate.Limiter
	budget    RetryBudget

	registerer prometheus.Registerer

	dir  *directory
	auth authState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	started  bool
	active   int
	idle     chan struct{}
	inflight map[string]*flight
	epoch    uint64
	userID   string
	tag      string
}

// flight tracks one stored entry being delivered.
type flight struct {
	// sent is set once the current attempt reaches the transport; sentAt is
	// the replay epoch at that moment. An attempt still waiting for the
	// directory or its retry delay already covers any replay.
	sent   bool
	sentAt uint64

	// rerun is set when a later replay reached the entry after it was sent.
	rerun bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithTransport sets the HTTP transport. Default: transport.NewHTTP().
func WithTransport(t transport.Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithClock sets the clock used for delays. Default: clock.Real{}.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the request id generator. Default: UUIDv7.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithRandom sets the source for discovery and retry jitter.
func WithRandom(r store.RandomSource) Option {
	return func(e *Engine) { e.random = r }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetricsRegisterer registers the engine's collectors with reg.
// Default: a private registry that is never exported.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// WithReplayRate paces replayed deliveries to r per second with the given
// burst. Default: unlimited.
func WithReplayRate(r float64, burst int) Option {
	return func(e *Engine) {
		if r <= 0 {
			e.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithMaxRetries drops a stored entry after n retryable outcomes.
// Zero, the default, retries forever.
func WithMaxRetries(n int) Option {
	return func(e *Engine) { e.budget = NewRetryBudget(n) }
}

// New creates an Engine over an open store. The engine owns the store from
// here on and closes it in Close.
func New(st *store.Store, settings Settings, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, invalidArgument("store must not be nil")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	settings = settings.withDefaults()

	e := &Engine{
		settings: settings,
		store:    st,
		clock:    clock.Real{},
		ids:      ir.UUIDv7Generator{},
		random:   store.DefaultRandom(),
		logger:   slog.Default(),
		limiter:  rate.NewLimiter(rate.Inf, 1),
		inflight: make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.transport == nil {
		e.transport = transport.NewHTTP(transport.WithLogger(e.logger))
	}
	if e.registerer == nil {
		e.registerer = prometheus.NewRegistry()
	}
	e.metrics = newMetrics(e.registerer, func() float64 { return float64(st.Len()) })
	e.dir = newDirectory(settings.DiscoveryHost)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Settings returns the effective settings.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Store returns the pending store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Dispatch delivers req once without storing it. cb, if non-nil, receives
// the outcome. Cancelling ctx abandons the attempt; no callback fires.
func (e *Engine) Dispatch(ctx context.Context, req ir.Request, cb Callback) error {
	return e.dispatch(ctx, req, deliverOptions{}, cb)
}

func (e *Engine) dispatch(ctx context.Context, req ir.Request, opts deliverOptions, cb Callback) error {
	if err := req.Validate(); err != nil {
		return invalidArgument("%v", err)
	}
	if err := e.requireUser(req.ServiceClass); err != nil {
		return err
	}
	return e.goTracked(ctx, func(ctx context.Context) {
		out, ok := e.deliver(ctx, req, opts)
		if !ok {
			e.logger.Debug("dispatch abandoned", "request_id", req.RequestID, "endpoint", req.Endpoint)
			return
		}
		if cb != nil {
			cb(out)
		}
	})
}

// EnqueueAndDispatch stores a new request and starts delivering it. The
// request is persisted before this returns; cb receives the outcome of the
// first attempt after the retry policy has been applied.
func (e *Engine) EnqueueAndDispatch(class ir.ServiceClass, endpoint string, params ir.Object, cb Callback) (*store.PendingEntry, error) {
	return e.EnqueueRequest(ir.NewRequest(class, endpoint, params, e.ids, e.clock.Now()), cb)
}

// EnqueueRequest is EnqueueAndDispatch for a prebuilt request, such as one
// carrying an attachment.
func (e *Engine) EnqueueRequest(req ir.Request, cb Callback) (*store.PendingEntry, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if err := e.requireUser(req.ServiceClass); err != nil {
		return nil, err
	}
	entry, err := e.store.EnqueueRequest(req)
	if err != nil {
		if errors.Is(err, store.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, invalidArgument("%v", err)
	}
	e.logger.Debug("request stored",
		"request_id", entry.ID(),
		"class", req.ServiceClass.String(),
		"endpoint", req.Endpoint)
	e.dispatchEntry(entry, cb, false, 0)
	return entry, nil
}

// Replay dispatches every pending entry once and returns how many
// deliveries were started. An in-flight entry whose attempt already went out
// is re-run once after it; one still waiting to send is left to that attempt.
func (e *Engine) Replay() (int, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}
	return e.replay(replayManual, e.nextEpoch()), nil
}

const (
	replayAuthChange = "auth_change"
	replayDiscovery  = "discovery"
	replayManual     = "manual"
)

// nextEpoch opens a replay epoch. Attempts sent before it are re-run once by
// the replay that carries it.
func (e *Engine) nextEpoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epoch++
	return e.epoch
}

func (e *Engine) replay(reason string, epoch uint64) int {
	entries := e.store.Entries()
	e.metrics.replays.WithLabelValues(reason).Inc()
	started := 0
	for _, entry := range entries {
		if e.dispatchEntry(entry, nil, true, epoch) {
			started++
		}
	}
	e.logger.Info("replaying pending entries",
		"reason", reason,
		"pending", len(entries),
		"started", started)
	return started
}

// dispatchEntry starts delivering a stored entry unless it is already in
// flight. A flight whose attempt went out before epoch is asked to go once
// more; one that has not sent yet is left alone.
func (e *Engine) dispatchEntry(entry *store.PendingEntry, cb Callback, paced bool, epoch uint64) bool {
	if !entry.Pending() {
		return false
	}
	id := entry.ID()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if f, ok := e.inflight[id]; ok {
		if f.sent && f.sentAt < epoch {
			f.rerun = true
		}
		e.mu.Unlock()
		return false
	}
	e.inflight[id] = &flight{}
	e.trackLocked()
	e.mu.Unlock()

	go e.runEntry(entry, cb, paced)
	return true
}

func (e *Engine) runEntry(entry *store.PendingEntry, cb Callback, paced bool) {
	defer e.untrack()

	for {
		if paced {
			if err := e.limiter.Wait(e.ctx); err != nil {
				e.finishFlight(entry.ID())
				return
			}
		}
		if !entry.Pending() {
			e.finishFlight(entry.ID())
			return
		}

		out, ok := e.deliver(e.ctx, entry.Request(), deliverOptions{
			beforeSend: func() { e.markSent(entry.ID()) },
		})
		if !ok {
			e.finishFlight(entry.ID())
			return
		}
		e.applyRetryPolicy(entry, &out)
		if cb != nil {
			cb(out)
		}

		if !e.takeRerun(entry) {
			return
		}
		cb = nil
	}
}

func (e *Engine) markSent(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f := e.inflight[id]; f != nil {
		f.sent = true
		f.sentAt = e.epoch
	}
}

func (e *Engine) finishFlight(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

// takeRerun consumes a pending rerun request. The flight ends when there is
// none or the entry has left the store.
func (e *Engine) takeRerun(entry *store.PendingEntry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.inflight[entry.ID()]
	if f == nil || !f.rerun || e.closed || !entry.Pending() {
		delete(e.inflight, entry.ID())
		return false
	}
	f.rerun = false
	f.sent = false
	return true
}

// applyRetryPolicy removes the entry on a terminal outcome and otherwise
// reschedules it with a longer delay. It does not dispatch again; the next
// attempt happens on replay.
func (e *Engine) applyRetryPolicy(entry *store.PendingEntry, out *Outcome) {
	if out.Classification.Terminal() {
		e.store.Remove(entry)
		e.logger.Debug("entry delivered",
			"request_id", entry.ID(),
			"outcome", out.Classification.String())
		return
	}

	if err := e.budget.Check(entry.ID(), entry.Retries()); err != nil {
		e.store.Remove(entry)
		e.metrics.dropped.Inc()
		out.Dropped = true
		e.logger.Warn("entry dropped",
			"request_id", entry.ID(),
			"endpoint", out.Endpoint,
			"outcome", out.Classification.String(),
			"error", err)
		return
	}

	delay, ok := e.store.MarkRetry(entry)
	if !ok {
		return
	}
	e.metrics.retries.Inc()
	out.Retained = true
	out.RetryDelay = delay
	e.logger.Warn("entry kept for retry",
		"request_id", entry.ID(),
		"endpoint", out.Endpoint,
		"outcome", out.Classification.String(),
		"error", out.ErrorText,
		"retries", entry.Retries(),
		"next_delay", delay)
}

type deliverOptions struct {
	// skipAuth keeps the outcome away from the generic auth update.
	skipAuth bool

	// beforeSend runs once the attempt is about to reach the transport.
	beforeSend func()
}

// deliver performs one attempt. The second result is false when the attempt
// was abandoned because ctx ended; the caller must then do nothing further.
func (e *Engine) deliver(ctx context.Context, req ir.Request, opts deliverOptions) (Outcome, bool) {
	host, err := e.hostFor(ctx, req.ServiceClass)
	if err != nil {
		return Outcome{}, false
	}

	if req.RetryDelay > 0 {
		select {
		case <-e.clock.After(clock.Seconds(req.RetryDelay)):
		case <-ctx.Done():
			return Outcome{}, false
		}
	}

	out := Outcome{RequestID: req.RequestID, Endpoint: req.Endpoint}

	fields := req.Parameters.Clone()
	for k, v := range e.commonFields() {
		fields[k] = v
	}
	fields["request_id"] = ir.String(req.RequestID)
	fields["request_date"] = ir.Int(req.RequestDate)

	form, err := e.signedForm(host, req.Endpoint, fields)
	if err != nil {
		e.logger.Error("request could not be signed",
			"request_id", req.RequestID,
			"endpoint", req.Endpoint,
			"error", err)
		out.Classification = ir.UnknownError
		out.ErrorText = err.Error()
		return out, true
	}

	var attachment *transport.Attachment
	if len(req.Attachment) > 0 {
		attachment = &transport.Attachment{Field: AttachmentField, Filename: "image.png", Data: req.Attachment}
	}

	if opts.beforeSend != nil {
		opts.beforeSend()
	}
	start := time.Now()
	resp, err := e.transport.Post(ctx, transport.JoinURL(e.settings.Scheme, host, req.Endpoint), form, attachment)
	if ctx.Err() != nil {
		return Outcome{}, false
	}
	e.metrics.latency.WithLabelValues(req.ServiceClass.String()).Observe(time.Since(start).Seconds())

	res := classify(resp, err)
	res.RequestID = out.RequestID
	res.Endpoint = out.Endpoint
	e.metrics.observeAttempt(req.ServiceClass, res.Classification)
	e.logger.Debug("delivery attempt",
		"request_id", req.RequestID,
		"class", req.ServiceClass.String(),
		"endpoint", req.Endpoint,
		"status", res.StatusCode,
		"outcome", res.Classification.String())

	if !opts.skipAuth && req.ServiceClass != ir.ServiceMetrics && req.ServiceClass != ir.ServiceDiscovery {
		e.applyAuthOutcome(res.Classification)
	}
	return res, true
}

// signedForm renders fields as form values and adds the signature.
func (e *Engine) signedForm(host, endpoint string, fields ir.Object) (url.Values, error) {
	sig, err := sign.Sign(host, endpoint, e.settings.AppSecret, fields)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", endpoint, err)
	}
	form := make(url.Values, len(fields)+1)
	for k, v := range fields {
		s, err := sign.FormValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", k, err)
		}
		form.Set(k, s)
	}
	form.Set(ir.SignatureField, sig)
	return form, nil
}

func (e *Engine) hostFor(ctx context.Context, class ir.ServiceClass) (string, error) {
	if class != ir.ServiceDiscovery {
		if err := e.awaitDirectory(ctx); err != nil {
			return "", err
		}
	}
	host, ok := e.dir.host(class)
	if !ok {
		return "", fmt.Errorf("no host for service class %s", class)
	}
	return host, nil
}

// commonFields are sent with every request and override caller parameters
// of the same name.
func (e *Engine) commonFields() ir.Object {
	e.mu.Lock()
	userID, tag := e.userID, e.tag
	e.mu.Unlock()

	f := ir.Object{
		"sdk_version":  ir.String(ir.SDKVersion),
		"sdk_platform": ir.String(e.settings.SDKPlatform),
		"sdk_type":     ir.String(e.settings.SDKType),
		"app_id":       ir.String(e.settings.AppID),
		"app_version":  ir.String(e.settings.AppVersion),
	}
	if e.settings.AppBuildID != "" {
		f["app_build_id"] = ir.String(e.settings.AppBuildID)
	}
	if userID != "" {
		f["user_id"] = ir.String(userID)
	}
	if tag != "" {
		f["tag"] = ir.String(tag)
	}
	if session := e.dir.session(); session != "" {
		f["session_id"] = ir.String(session)
	}
	return f
}

func (e *Engine) requireUser(class ir.ServiceClass) error {
	if class == ir.ServiceDiscovery {
		return nil
	}
	if e.UserID() == "" {
		return invalidArgument("user id must be set before sending %s requests", class)
	}
	return nil
}

// goTracked runs fn on a tracked goroutine with a context that ends when
// either ctx or the engine ends.
func (e *Engine) goTracked(ctx context.Context, fn func(context.Context)) error {
	if !e.track() {
		return ErrClosed
	}
	go func() {
		defer e.untrack()
		runCtx, cancel := context.WithCancel(e.ctx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		fn(runCtx)
	}()
	return nil
}

func (e *Engine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.trackLocked()
	return true
}

func (e *Engine) trackLocked() {
	if e.active == 0 {
		e.idle = make(chan struct{})
	}
	e.active++
	e.wg.Add(1)
}

func (e *Engine) untrack() {
	e.mu.Lock()
	e.active--
	if e.active == 0 {
		close(e.idle)
	}
	e.mu.Unlock()
	e.wg.Done()
}

// WaitIdle blocks until no delivery, discovery, or validation is running.
// Entries waiting out a retry delay count as running.
func (e *Engine) WaitIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.active == 0 {
			e.mu.Unlock()
			return nil
		}
		idle := e.idle
		e.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close stops all deliveries, waits for their goroutines, and closes the
// store with a final flush. Replies that arrive after Close are discarded.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.logger.Info("engine stopping", "pending", e.store.Len())
	e.cancel()
	e.wg.Wait()
	return e.store.Close()
}
