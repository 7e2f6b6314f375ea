package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/IamMattHenry/salemate-notify/internal/authz"
	"github.com/IamMattHenry/salemate-notify/internal/models"
	"github.com/IamMattHenry/salemate-notify/internal/store"
	apperrors "github.com/IamMattHenry/salemate-notify/pkg/errors"
	"github.com/IamMattHenry/salemate-notify/pkg/logger"
	"github.com/IamMattHenry/salemate-notify/pkg/metrics"
)

// DefaultRecentWindow caps how many notifications a visibility pass scans.
const DefaultRecentWindow = 50

// View is the recipient-relative notification payload handed to consumers.
// Read reflects the requesting recipient's own state, regardless of audience.
type View struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Module    string         `json:"module"`
	Route     string         `json:"route,omitempty"`
	Audience  string         `json:"audience"`
	TargetID  string         `json:"target_id,omitempty"`
	Read      bool           `json:"read"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Draft carries the immutable payload an event source submits. The engine
// assigns the id and initialises read state.
type Draft struct {
	Kind     string
	Severity string
	Message  string
	Module   string
	Route    string
	Audience string
	TargetID string
	Metadata map[string]any
}

// Engine classifies notifications, computes per-recipient unread sets and
// applies read-state mutations with idempotent, race-safe semantics.
type Engine struct {
	store  *store.Store
	filter authz.Filter
	window int
	log    *zap.Logger
}

// Option customises the Engine.
type Option func(*Engine)

// WithRecentWindow overrides the recent-history window size.
func WithRecentWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.window = n
		}
	}
}

// New constructs a fan-out engine.
func New(st *store.Store, filter authz.Filter, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("fanout: store is required")
	}
	if filter == nil {
		return nil, errors.New("fanout: authorization filter is required")
	}

	e := &Engine{
		store:  st,
		filter: filter,
		window: DefaultRecentWindow,
		log:    logger.WithModule("fanout"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Submit validates and persists a notification draft, returning the stored view.
func (e *Engine) Submit(ctx context.Context, draft Draft) (*View, error) {
	notification, err := draftToModel(draft)
	if err != nil {
		return nil, err
	}

	if err := e.store.Create(ctx, notification); err != nil {
		return nil, err
	}

	metrics.NotificationsCreated.WithLabelValues(notification.Kind, notification.Audience).Inc()
	e.log.Info("notification accepted",
		zap.String("id", notification.ID),
		zap.String("kind", notification.Kind),
		zap.String("audience", notification.Audience),
		zap.String("module", notification.Module),
	)

	view := mapView(notification, notification.TargetID)
	return &view, nil
}

// ComputeVisible returns the recent notifications whose module passes the
// authorization filter for the recipient and whose audience includes them.
// No side effects; ordering is newest first by creation time, then id.
func (e *Engine) ComputeVisible(ctx context.Context, recipientID string) ([]View, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, errors.New("fanout: recipient id is required")
	}

	rows, err := e.store.ListRecent(ctx, e.window)
	if err != nil {
		return nil, err
	}

	// Authorization is re-evaluated per call, but within one pass a module
	// decision is stable, so repeated modules share one lookup.
	decisions := make(map[string]bool)

	views := make([]View, 0, len(rows))
	for i := range rows {
		n := &rows[i]
		if !n.VisibleTo(recipientID) {
			continue
		}

		allowed, ok := decisions[n.Module]
		if !ok {
			allowed, err = e.filter.Visible(ctx, recipientID, n.Module)
			if err != nil {
				return nil, fmt.Errorf("fanout: authorization filter: %w", err)
			}
			decisions[n.Module] = allowed
		}
		if !allowed {
			continue
		}

		views = append(views, mapView(n, recipientID))
	}

	return views, nil
}

// ComputeUnread returns the visible notifications the recipient has not yet
// acknowledged, newest first.
func (e *Engine) ComputeUnread(ctx context.Context, recipientID string) ([]View, error) {
	visible, err := e.ComputeVisible(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	unread := make([]View, 0, len(visible))
	for _, v := range visible {
		if !v.Read {
			unread = append(unread, v)
		}
	}
	return unread, nil
}

// MarkRead records the recipient's acknowledgement of one notification.
// Idempotent: acknowledging twice is a no-op success. Targeted notifications
// may only be acknowledged by their target; module visibility is enforced for
// both audiences. Delivery is at-least-once, so duplicate application must
// never error.
func (e *Engine) MarkRead(ctx context.Context, recipientID, notificationID string) error {
	err := e.markRead(ctx, recipientID, notificationID)
	metrics.ReadMutations.WithLabelValues("mark_read", mutationResult(err)).Inc()
	return err
}

func (e *Engine) markRead(ctx context.Context, recipientID, notificationID string) error {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return errors.New("fanout: recipient id is required")
	}

	notification, err := e.store.Get(ctx, notificationID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			e.log.Warn("mark read on unknown notification",
				zap.String("notification_id", notificationID),
				zap.String("recipient_id", recipientID),
			)
		}
		return err
	}

	if !notification.IsBroadcast() && notification.TargetID != recipientID {
		return apperrors.ErrUnauthorized
	}

	allowed, err := e.filter.Visible(ctx, recipientID, notification.Module)
	if err != nil {
		return fmt.Errorf("fanout: authorization filter: %w", err)
	}
	if !allowed {
		return apperrors.ErrUnauthorized
	}

	if notification.IsBroadcast() {
		return e.store.MarkBroadcastRead(ctx, notification.ID, recipientID)
	}

	if notification.Read {
		return nil
	}
	return e.store.MarkTargetedRead(ctx, notification.ID)
}

// MarkAllRead acknowledges every notification currently unread for the
// recipient in one atomic store transaction. On failure nothing is applied
// and the previous unread set is intact. Returns how many were marked.
func (e *Engine) MarkAllRead(ctx context.Context, recipientID string) (int, error) {
	count, err := e.markAllRead(ctx, recipientID)
	metrics.ReadMutations.WithLabelValues("mark_all_read", mutationResult(err)).Inc()
	return count, err
}

func (e *Engine) markAllRead(ctx context.Context, recipientID string) (int, error) {
	unread, err := e.ComputeUnread(ctx, recipientID)
	if err != nil {
		return 0, err
	}
	if len(unread) == 0 {
		return 0, nil
	}

	var broadcastIDs, targetedIDs []string
	for _, v := range unread {
		if v.Audience == models.AudienceBroadcast {
			broadcastIDs = append(broadcastIDs, v.ID)
		} else {
			targetedIDs = append(targetedIDs, v.ID)
		}
	}

	if err := e.store.MarkManyRead(ctx, recipientID, broadcastIDs, targetedIDs); err != nil {
		return 0, err
	}

	e.log.Info("marked all read",
		zap.String("recipient_id", recipientID),
		zap.Int("count", len(unread)),
	)
	return len(unread), nil
}

// GenerateTest constructs and stores a well-formed sample notification for
// the given kind. Development and ops aid; it flows through Submit so the
// production schema and invariants apply.
func (e *Engine) GenerateTest(ctx context.Context, kind, recipientID string) (*View, error) {
	draft := testDraft(kind)
	if recipientID = strings.TrimSpace(recipientID); recipientID != "" {
		draft.Audience = models.AudienceTargeted
		draft.TargetID = recipientID
	}
	return e.Submit(ctx, draft)
}

func testDraft(kind string) Draft {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case models.KindOrder:
		return Draft{
			Kind:     models.KindOrder,
			Severity: models.SeverityNormal,
			Message:  "Test order #0000 has been placed",
			Module:   authz.ModuleOrders,
			Route:    "/orders/0000",
			Audience: models.AudienceBroadcast,
		}
	case models.KindInventory:
		return Draft{
			Kind:     models.KindInventory,
			Severity: models.SeverityWarning,
			Message:  "Test item is below its reorder threshold",
			Module:   authz.ModuleInventory,
			Route:    "/inventory",
			Audience: models.AudienceBroadcast,
		}
	case models.KindCustomer:
		return Draft{
			Kind:     models.KindCustomer,
			Severity: models.SeverityNormal,
			Message:  "Test customer feedback received",
			Module:   authz.ModuleCustomer,
			Route:    "/customers/feedback",
			Audience: models.AudienceBroadcast,
		}
	default:
		return Draft{
			Kind:     models.KindSystem,
			Severity: models.SeverityNormal,
			Message:  "Test system notification",
			Module:   authz.ModuleAdmin,
			Route:    "/",
			Audience: models.AudienceBroadcast,
		}
	}
}

func draftToModel(draft Draft) (*models.Notification, error) {
	kind := strings.ToLower(strings.TrimSpace(draft.Kind))
	if kind == "" {
		return nil, apperrors.NewBadRequest("kind is required")
	}

	message := strings.TrimSpace(draft.Message)
	if message == "" {
		return nil, apperrors.NewBadRequest("message is required")
	}

	module := strings.ToLower(strings.TrimSpace(draft.Module))
	if module == "" {
		return nil, apperrors.NewBadRequest("module is required")
	}

	severity := strings.ToLower(strings.TrimSpace(draft.Severity))
	switch severity {
	case "":
		severity = models.SeverityNormal
	case models.SeverityNormal, models.SeverityWarning, models.SeverityCritical:
	default:
		return nil, apperrors.NewBadRequest("severity must be normal, warning or critical")
	}

	audience := strings.ToLower(strings.TrimSpace(draft.Audience))
	targetID := strings.TrimSpace(draft.TargetID)
	switch audience {
	case "", models.AudienceBroadcast:
		audience = models.AudienceBroadcast
		if targetID != "" {
			return nil, apperrors.NewBadRequest("broadcast notifications cannot carry a target")
		}
	case models.AudienceTargeted:
		if targetID == "" {
			return nil, apperrors.NewBadRequest("targeted notifications require a target recipient")
		}
	default:
		return nil, apperrors.NewBadRequest("audience must be broadcast or targeted")
	}

	notification := &models.Notification{
		Kind:     kind,
		Severity: severity,
		Message:  message,
		Module:   module,
		Route:    strings.TrimSpace(draft.Route),
		Audience: audience,
		TargetID: targetID,
	}

	if draft.Metadata != nil {
		data, err := json.Marshal(draft.Metadata)
		if err != nil {
			return nil, fmt.Errorf("fanout: marshal metadata: %w", err)
		}
		notification.Metadata = datatypes.JSON(data)
	}

	return notification, nil
}

func mapView(n *models.Notification, recipientID string) View {
	return View{
		ID:        n.ID,
		Kind:      n.Kind,
		Severity:  n.Severity,
		Message:   n.Message,
		Module:    n.Module,
		Route:     n.Route,
		Audience:  n.Audience,
		TargetID:  n.TargetID,
		Read:      n.ReadBy(recipientID),
		Metadata:  decodeJSON(n.Metadata),
		CreatedAt: n.CreatedAt,
	}
}

func decodeJSON(data datatypes.JSON) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func mutationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperrors.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, apperrors.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
