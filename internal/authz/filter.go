package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/IamMattHenry/salemate-notify/internal/models"
)

// Filter decides whether a notification module is visible to a recipient.
// Implementations must be side-effect free; the fan-out engine re-evaluates
// the predicate on every visibility pass and never caches decisions across
// recipient identities.
type Filter interface {
	Visible(ctx context.Context, recipientID, module string) (bool, error)
}

// RoleFilter resolves visibility from the recipient's stored role and the
// module-grant registry.
type RoleFilter struct {
	db *gorm.DB
}

// NewRoleFilter constructs a role-based filter backed by the provided database.
func NewRoleFilter(db *gorm.DB) (*RoleFilter, error) {
	if db == nil {
		return nil, errors.New("authz: db is required")
	}
	return &RoleFilter{db: db}, nil
}

// Visible loads the recipient and consults the grant registry. Unknown
// recipients see nothing.
func (f *RoleFilter) Visible(ctx context.Context, recipientID, module string) (bool, error) {
	ctx = ensureContext(ctx)

	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return false, errors.New("authz: recipient id is required")
	}

	var recipient models.Recipient
	if err := f.db.WithContext(ctx).First(&recipient, "id = ?", recipientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("authz: load recipient: %w", err)
	}

	if !recipient.Active {
		return false, nil
	}

	return Granted(recipient.Role, module), nil
}

// StaticFilter is a map-backed Filter for tests and embedders that resolve
// visibility elsewhere. Keys are recipient IDs, values the visible modules.
type StaticFilter map[string][]string

// Visible implements Filter.
func (f StaticFilter) Visible(_ context.Context, recipientID, module string) (bool, error) {
	for _, m := range f[recipientID] {
		if strings.EqualFold(m, module) {
			return true, nil
		}
	}
	return false, nil
}

// AllowAll is a Filter that grants every module; used for trusted internal
// consumers.
type AllowAll struct{}

// Visible implements Filter.
func (AllowAll) Visible(context.Context, string, string) (bool, error) { return true, nil }

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
