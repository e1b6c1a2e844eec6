package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/ops_backend/keynorm"
)

// LineItem is keyed by SKU, which may be a compound "<CODE> : <description>".
type LineItem struct {
	ID              int    `gorm:"primary_key" json:"id"`
	BusinessId      string `gorm:"index;not null" json:"business_id"`
	PurchaseOrderId int    `gorm:"index;not null" json:"purchase_order_id"`
	ImportState     `gorm:"embedded"`
	Description     string          `gorm:"type:text;default:null" json:"description"`
	Qty             decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	ReceivedQty     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"received_qty"`
	UnitCost        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (li LineItem) Sku() string {
	return li.NaturalKey
}

// HintText is what category keyword rules look at: the SKU's description
// part followed by the item description.
func (li LineItem) HintText() string {
	k := keynorm.Normalize(li.NaturalKey)
	text := li.Description
	if k.HasDescription() {
		text = k.Display + " " + text
	}
	return text
}
