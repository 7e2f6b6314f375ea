package models

// Recipient identifies a dashboard user the engine fans notifications out to.
// Authentication lives outside the engine; this row only carries what the
// authorization filter needs.
type Recipient struct {
	BaseModel

	Name       string `gorm:"type:varchar(255);not null" json:"name"`
	Email      string `gorm:"type:varchar(255);uniqueIndex" json:"email"`
	Role       string `gorm:"type:varchar(64);not null;index" json:"role"`
	Department string `gorm:"type:varchar(64)" json:"department"`
	Active     bool   `gorm:"default:true" json:"active"`
}
