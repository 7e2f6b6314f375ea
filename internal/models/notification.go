package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notification kinds. The column is free-form so event sources can introduce
// new kinds without a schema change.
const (
	KindOrder     = "order"
	KindInventory = "inventory"
	KindCustomer  = "customer"
	KindSystem    = "system"
)

// Severity levels drive rendering priority, not routing.
const (
	SeverityNormal   = "normal"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Audience determines fan-out: broadcast reaches every authorized recipient,
// targeted reaches exactly one.
const (
	AudienceBroadcast = "broadcast"
	AudienceTargeted  = "targeted"
)

// Notification is the unit of communication delivered to dashboard recipients.
// Payload fields are immutable after creation; only read state mutates.
type Notification struct {
	BaseModel

	Kind     string `gorm:"type:varchar(32);not null;index" json:"kind"`
	Severity string `gorm:"type:varchar(16);default:'normal'" json:"severity"`
	Message  string `gorm:"type:text;not null" json:"message"`
	Module   string `gorm:"type:varchar(64);not null;index" json:"module"`
	Route    string `gorm:"type:text" json:"route"`

	Audience string `gorm:"type:varchar(16);not null;index" json:"audience"`
	TargetID string `gorm:"type:uuid;index" json:"target_id,omitempty"`

	// Read state for targeted notifications. Broadcast read state lives in
	// the Reads association and never collapses to a single flag.
	Read   bool       `gorm:"default:false;index" json:"read"`
	ReadAt *time.Time `json:"read_at,omitempty"`

	Metadata datatypes.JSON `json:"metadata,omitempty"`

	Reads []NotificationRead `gorm:"foreignKey:NotificationID;constraint:OnDelete:CASCADE" json:"-"`
}

// NotificationRead records one recipient's acknowledgement of a broadcast
// notification. The composite primary key makes membership idempotent:
// inserting an existing pair conflicts and is skipped, never duplicated.
// Rows are only ever added by read actions, so concurrent acknowledgements
// from different recipients commute.
type NotificationRead struct {
	NotificationID string    `gorm:"primaryKey;type:uuid" json:"notification_id"`
	RecipientID    string    `gorm:"primaryKey;type:uuid" json:"recipient_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName keeps the join table name stable across gorm naming strategies.
func (NotificationRead) TableName() string { return "notification_reads" }

// IsBroadcast reports whether the notification fans out to all recipients.
func (n *Notification) IsBroadcast() bool {
	return n.Audience == AudienceBroadcast
}

// ReadBy reports whether the supplied recipient has acknowledged the
// notification. Pure function of stored state.
func (n *Notification) ReadBy(recipientID string) bool {
	if !n.IsBroadcast() {
		return n.Read
	}
	for _, r := range n.Reads {
		if r.RecipientID == recipientID {
			return true
		}
	}
	return false
}

// UnreadFor reports whether the notification counts as unread for the
// recipient, independent of any client-local state.
func (n *Notification) UnreadFor(recipientID string) bool {
	return !n.ReadBy(recipientID)
}

// VisibleTo reports whether the notification's audience includes the
// recipient. Module-level authorization is applied separately.
func (n *Notification) VisibleTo(recipientID string) bool {
	if n.IsBroadcast() {
		return true
	}
	return n.TargetID == recipientID
}
