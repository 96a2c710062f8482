package engine

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/roach88/carrier/internal/ir"
	"github.com/roach88/carrier/internal/store"
)

// Endpoints used by the typed API.
const (
	InstallEndpoint      = "/install.json"
	AppOpenedEndpoint    = "/app_opened.json"
	AchievementsEndpoint = "/me/achievements.json"
	ScoresEndpoint       = "/me/scores.json"
	ActionsEndpoint      = "/me/actions.json"
	PurchaseEndpoint     = "/purchase.json"
	SessionEndpoint      = "/session.json"
	FeedDialogEndpoint   = "/feed_dialog_post.json"
	FeedPostEndpoint     = "/me/feed_post.json"
	CanPostEndpoint      = "/me/can_post.json"
)

// Jitter bands for the uncached retry loops.
const (
	validateRetryMin = 500 * time.Millisecond
	validateRetryMax = 2 * time.Second
	installRetryMin  = 1 * time.Second
	installRetryMax  = 5 * time.Second
)

// UsersEndpoint is the validation path for an application.
func UsersEndpoint(appID string) string {
	return fmt.Sprintf("/games/%s/users.json", url.PathEscape(appID))
}

// SetUserID switches the engine to a new user. A change resets the auth
// status to Undetermined, which replays the store.
func (e *Engine) SetUserID(id string) error {
	if id == "" {
		return invalidArgument("user id must not be empty")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	changed := e.userID != id
	e.userID = id
	e.mu.Unlock()

	if changed {
		e.logger.Info("user changed", "user_id", id)
		e.setStatus(ir.Undetermined)
	}
	return nil
}

// UserID returns the current user id.
func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// SetTag sets an optional tag sent with every request. Empty clears it.
func (e *Engine) SetTag(tag string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tag = tag
}

// Tag returns the current tag.
func (e *Engine) Tag() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tag
}

// Start begins service discovery, sends the install metric once per
// installation, and records an app-opened event. Calling Start again is a
// no-op.
func (e *Engine) Start() error {
	if e.UserID() == "" {
		return invalidArgument("user id must be set before Start")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.logger.Info("engine starting",
		"app_id", e.settings.AppID,
		"discovery_host", e.settings.DiscoveryHost,
		"pending", e.store.Len())

	e.startDiscovery()
	if !e.store.InstallMetricSent() {
		if err := e.goTracked(context.Background(), e.sendInstallMetric); err != nil {
			return err
		}
	}
	_, err := e.EnqueueAndDispatch(ir.ServiceMetrics, AppOpenedEndpoint, ir.Object{}, nil)
	return err
}

// sendInstallMetric reports the install date until the backend accepts it.
// The call is not stored; it is re-sent on the next start if never
// acknowledged.
func (e *Engine) sendInstallMetric(ctx context.Context) {
	for {
		params := ir.Object{"install_date": ir.Int(e.store.InstallDate().Unix())}
		req := ir.NewRequest(ir.ServiceMetrics, InstallEndpoint, params, e.ids, e.clock.Now())
		out, ok := e.deliver(ctx, req, deliverOptions{})
		if !ok {
			return
		}
		if out.Classification == ir.OK {
			e.store.MarkInstallMetricSent()
			e.logger.Info("install metric sent", "install_date", e.store.InstallDate())
			return
		}

		wait := e.uniform(installRetryMin, installRetryMax)
		e.logger.Warn("install metric failed, retrying",
			"outcome", out.Classification.String(),
			"error", out.ErrorText,
			"retry_in", wait)
		select {
		case <-e.clock.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// ValidateUser asks the backend whether accessToken authorizes the current
// user and sets the auth status from the answer. Network failures are
// retried until ctx ends. cb, if non-nil, receives the resulting status.
func (e *Engine) ValidateUser(ctx context.Context, accessToken string, cb func(ir.AuthStatus)) error {
	if accessToken == "" {
		return invalidArgument("access token must not be empty")
	}
	if err := e.requireUser(ir.ServiceAuth); err != nil {
		return err
	}
	return e.goTracked(ctx, func(ctx context.Context) {
		for {
			params := ir.Object{"access_token": ir.String(accessToken)}
			req := ir.NewRequest(ir.ServiceAuth, UsersEndpoint(e.settings.AppID), params, e.ids, e.clock.Now())
			out, ok := e.deliver(ctx, req, deliverOptions{skipAuth: true})
			if !ok {
				return
			}
			if out.Classification == ir.NetworkError {
				wait := e.uniform(validateRetryMin, validateRetryMax)
				e.logger.Warn("user validation unreachable, retrying", "error", out.ErrorText, "retry_in", wait)
				select {
				case <-e.clock.After(wait):
					continue
				case <-ctx.Done():
					return
				}
			}

			status := validationStatus(out.Classification)
			e.setStatus(status)
			if cb != nil {
				cb(status)
			}
			return
		}
	})
}

// PostAchievement stores and sends an achievement.
func (e *Engine) PostAchievement(achievementID string, cb Callback) (*store.PendingEntry, error) {
	if achievementID == "" {
		return nil, invalidArgument("achievement id must not be empty")
	}
	return e.EnqueueAndDispatch(ir.ServicePost, AchievementsEndpoint,
		ir.Object{"achievement_id": ir.String(achievementID)}, cb)
}

// PostHighScore stores and sends a high score.
func (e *Engine) PostHighScore(score int64, cb Callback) (*store.PendingEntry, error) {
	if score < 0 {
		return nil, invalidArgument("score must not be negative, got %d", score)
	}
	return e.EnqueueAndDispatch(ir.ServicePost, ScoresEndpoint,
		ir.Object{"value": ir.Int(score)}, cb)
}

// Action is an Open Graph style action. ObjectInstanceID names an existing
// object, or a template when ObjectProperties fill one in. At most one of
// ImageURL and Image may be set; Image is sent as a binary attachment.
type Action struct {
	ActionID         string
	ObjectInstanceID string
	ActionProperties ir.Object
	ObjectProperties ir.Object
	ImageURL         string
	Image            []byte
}

// PostAction stores and sends an action.
func (e *Engine) PostAction(a Action, cb Callback) (*store.PendingEntry, error) {
	if a.ActionID == "" {
		return nil, invalidArgument("action id must not be empty")
	}
	if a.ObjectInstanceID == "" {
		return nil, invalidArgument("object instance id must not be empty")
	}
	if a.ImageURL != "" && len(a.Image) > 0 {
		return nil, invalidArgument("action %s has both an image url and image bytes", a.ActionID)
	}

	actionProps := a.ActionProperties.Clone()
	objectProps := a.ObjectProperties.Clone()
	switch {
	case a.ImageURL != "":
		objectProps["image_url"] = ir.String(a.ImageURL)
	case len(a.Image) > 0:
		objectProps["image_sha"] = ir.String(ir.ContentHash(a.Image))
	}

	params := ir.Object{
		"action_id":          ir.String(a.ActionID),
		"action_properties":  actionProps,
		"object_properties":  objectProps,
		"object_instance_id": ir.String(a.ObjectInstanceID),
	}
	req := ir.NewRequest(ir.ServicePost, ActionsEndpoint, params, e.ids, e.clock.Now())
	if len(a.Image) > 0 {
		req.Attachment = append([]byte(nil), a.Image...)
	}
	return e.EnqueueRequest(req, cb)
}

// PostPurchase records a real-money purchase. The amount is sent as a
// decimal literal.
func (e *Engine) PostPurchase(amount float64, currency string, cb Callback) (*store.PendingEntry, error) {
	if currency == "" {
		return nil, invalidArgument("currency must not be empty")
	}
	dec, err := ir.NewDecimal(amount)
	if err != nil {
		return nil, invalidArgument("amount: %v", err)
	}
	return e.EnqueueAndDispatch(ir.ServiceMetrics, PurchaseEndpoint, ir.Object{
		"amount":   dec,
		"currency": ir.String(currency),
	}, cb)
}

// TrackSession records one foreground session.
func (e *Engine) TrackSession(start, end time.Time, cb Callback) (*store.PendingEntry, error) {
	if end.Before(start) {
		return nil, invalidArgument("session ends before it starts")
	}
	return e.EnqueueAndDispatch(ir.ServiceMetrics, SessionEndpoint, ir.Object{
		"start_time": ir.Int(start.Unix()),
		"end_time":   ir.Int(end.Unix()),
	}, cb)
}

// ReportFeedPost records that the user published a feed post.
func (e *Engine) ReportFeedPost(platformID string, cb Callback) (*store.PendingEntry, error) {
	if platformID == "" {
		return nil, invalidArgument("platform id must not be empty")
	}
	return e.EnqueueAndDispatch(ir.ServiceMetrics, FeedDialogEndpoint,
		ir.Object{"platform_id": ir.String(platformID)}, cb)
}

// CanMakeFeedPost asks whether the user should be offered a feed post for
// objectInstanceID. cb receives true only for an OK reply.
func (e *Engine) CanMakeFeedPost(ctx context.Context, objectInstanceID string, cb func(bool, Outcome)) error {
	if objectInstanceID == "" {
		return invalidArgument("object instance id must not be empty")
	}
	req := ir.NewRequest(ir.ServicePost, CanPostEndpoint,
		ir.Object{"object_instance_id": ir.String(objectInstanceID)}, e.ids, e.clock.Now())
	return e.Dispatch(ctx, req, func(out Outcome) {
		if cb != nil {
			cb(out.Classification == ir.OK, out)
		}
	})
}

// FeedPost requests the data for a feed post dialog. On OK the reply
// carries the post contents under "fb_data".
func (e *Engine) FeedPost(ctx context.Context, objectInstanceID string, objectProperties ir.Object, cb Callback) error {
	if objectInstanceID == "" {
		return invalidArgument("object instance id must not be empty")
	}
	req := ir.NewRequest(ir.ServicePost, FeedPostEndpoint, ir.Object{
		"object_instance_id": ir.String(objectInstanceID),
		"object_properties":  objectProperties.Clone(),
	}, e.ids, e.clock.Now())
	return e.Dispatch(ctx, req, cb)
}
