package models

import "time"

// MissionArea is one spelling variant of an area. Variants of the same real
// area share a GroupKey; at most one per group is canonical.
type MissionArea struct {
	ID            int    `gorm:"primary_key" json:"id"`
	BusinessId    string `gorm:"index:idx_mission_area_group,priority:1;not null" json:"business_id"`
	ImportState   `gorm:"embedded"`
	Mission       string    `gorm:"size:255;default:null" json:"mission"`
	Country       string    `gorm:"size:100;default:null" json:"country"`
	GroupKey      string    `gorm:"size:64;index:idx_mission_area_group,priority:2;default:''" json:"group_key"`
	IsCanonical   bool      `gorm:"not null;default:false" json:"is_canonical"`
	CanonicalAuto bool      `gorm:"not null;default:false" json:"canonical_auto"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a MissionArea) Name() string {
	return a.NaturalKey
}
