package models

import (
	"time"
)

type PurchaseOrderStatus string

const (
	PurchaseOrderStatusOpen      PurchaseOrderStatus = "Open"
	PurchaseOrderStatusReceived  PurchaseOrderStatus = "Received"
	PurchaseOrderStatusClosed    PurchaseOrderStatus = "Closed"
	PurchaseOrderStatusCancelled PurchaseOrderStatus = "Cancelled"
)

// PurchaseOrder is keyed by its PO number (ImportState.NaturalKey).
type PurchaseOrder struct {
	ID           int    `gorm:"primary_key" json:"id"`
	BusinessId   string `gorm:"index;not null" json:"business_id" binding:"required"`
	ImportState  `gorm:"embedded"`
	Vendor       string     `gorm:"size:255;default:null" json:"vendor"`
	PoType       string     `gorm:"size:64;index;default:''" json:"po_type"`
	OrderDate    *time.Time `gorm:"default:null" json:"order_date"`
	ExpectedDate *time.Time `gorm:"default:null" json:"expected_date"`
	Status       string     `gorm:"size:32;default:null" json:"status"`
	Notes        string     `gorm:"type:text;default:null" json:"notes"`
	LineItems    []LineItem `gorm:"foreignKey:PurchaseOrderId" json:"line_items"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (po PurchaseOrder) OrderNumber() string {
	return po.NaturalKey
}

// VisibleLineItems filters out hidden children.
func (po PurchaseOrder) VisibleLineItems() []LineItem {
	out := make([]LineItem, 0, len(po.LineItems))
	for _, li := range po.LineItems {
		if !li.IsHidden {
			out = append(out, li)
		}
	}
	return out
}
