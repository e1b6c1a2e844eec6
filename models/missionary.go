package models

import "time"

// Missionary is keyed by full name; the upstream alumni id is the legacy key.
type Missionary struct {
	ID          int    `gorm:"primary_key" json:"id"`
	BusinessId  string `gorm:"index;not null" json:"business_id"`
	ImportState `gorm:"embedded"`
	Mission     string    `gorm:"size:255;default:null" json:"mission"`
	AreaName    string    `gorm:"size:255;default:null" json:"area_name"`
	Email       string    `gorm:"size:255;default:null" json:"email"`
	Phone       string    `gorm:"size:32;default:null" json:"phone"`
	StartYear   int       `gorm:"default:0" json:"start_year"`
	EndYear     int       `gorm:"default:0" json:"end_year"`
	Notes       string    `gorm:"type:text;default:null" json:"notes"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (m Missionary) FullName() string {
	return m.NaturalKey
}
