package models

import (
	"time"

	"gorm.io/gorm"
)

type HiddenReason string

const (
	HiddenReasonNone           HiddenReason = ""
	HiddenReasonNotInImport    HiddenReason = "NotInImport"
	HiddenReasonManuallyHidden HiddenReason = "ManuallyHidden"
	HiddenReasonCompleted      HiddenReason = "Completed"
	HiddenReasonCancelled      HiddenReason = "Cancelled"
	HiddenReasonParentHidden   HiddenReason = "ParentHidden"
	HiddenReasonOther          HiddenReason = "Other"
)

func (r HiddenReason) IsValid() bool {
	switch r {
	case HiddenReasonNotInImport, HiddenReasonManuallyHidden, HiddenReasonCompleted,
		HiddenReasonCancelled, HiddenReasonParentHidden, HiddenReasonOther:
		return true
	}
	return false
}

// Resurrectable reports whether an import may un-hide an entity hidden for r.
// Only the pipeline's own reasons qualify; operator decisions stick.
func (r HiddenReason) Resurrectable() bool {
	return r == HiddenReasonNotInImport || r == HiddenReasonParentHidden
}

// ResurrectableReasons is the IN list used by conditional resurrect updates.
func ResurrectableReasons() []HiddenReason {
	return []HiddenReason{HiddenReasonNotInImport, HiddenReasonParentHidden}
}

// ImportState is embedded in every model the import pipeline manages.
type ImportState struct {
	NaturalKey       string       `gorm:"size:255;not null" json:"natural_key"`
	NaturalKeyNorm   string       `gorm:"size:255;index;not null" json:"-"`
	LegacyKey        *string      `gorm:"size:128;index;default:null" json:"legacy_key"`
	IsHidden         bool         `gorm:"not null;default:false;index" json:"is_hidden"`
	HiddenReason     HiddenReason `gorm:"size:32;not null;default:''" json:"hidden_reason"`
	HiddenDate       *time.Time   `gorm:"default:null" json:"hidden_date"`
	LastSeenImportId string       `gorm:"size:64;index;default:''" json:"last_seen_import_id"`
	// OriginKey is "<batch id>:<parent id>:<natural key norm>" for rows created by
	// an import; re-applying an interrupted create collides on the unique index.
	OriginKey *string `gorm:"size:191;uniqueIndex;default:null" json:"-"`
	Version   int     `gorm:"not null;default:0" json:"version"`
}

// Validate enforces: visible => no reason; hidden => a known reason.
func (s ImportState) Validate() error {
	if !s.IsHidden && s.HiddenReason != HiddenReasonNone {
		return &ValidationError{Field: "hidden_reason", Message: "visible entity must not carry a hidden reason"}
	}
	if s.IsHidden && !s.HiddenReason.IsValid() {
		return &ValidationError{Field: "hidden_reason", Message: "hidden entity requires a hidden reason"}
	}
	return nil
}

func (s ImportState) LegacyKeyValue() string {
	if s.LegacyKey == nil {
		return ""
	}
	return *s.LegacyKey
}

// Visible excludes hidden rows. Default reads go through it; the import
// snapshot deliberately does not.
func Visible(db *gorm.DB) *gorm.DB {
	return db.Where("is_hidden = ?", false)
}
