package models

import (
	"github.com/mmdatafocus/ops_backend/keynorm"
)

// Collection names a family of importable entities.
type Collection string

const (
	CollectionPurchaseOrders Collection = "purchase_orders"
	CollectionLineItems      Collection = "line_items"
	CollectionMissionAreas   Collection = "mission_areas"
	CollectionMissionaries   Collection = "missionaries"
)

func AllCollections() []Collection {
	return []Collection{CollectionPurchaseOrders, CollectionLineItems, CollectionMissionAreas, CollectionMissionaries}
}

func (c Collection) IsValid() bool {
	switch c {
	case CollectionPurchaseOrders, CollectionLineItems, CollectionMissionAreas, CollectionMissionaries:
		return true
	}
	return false
}

func (c Collection) Table() string {
	return string(c)
}

// Parent returns the owning collection, "" for top-level collections.
func (c Collection) Parent() Collection {
	if c == CollectionLineItems {
		return CollectionPurchaseOrders
	}
	return ""
}

func (c Collection) Children() []Collection {
	if c == CollectionPurchaseOrders {
		return []Collection{CollectionLineItems}
	}
	return nil
}

// ParentColumn is the foreign key column pointing at the parent entity.
func (c Collection) ParentColumn() string {
	if c == CollectionLineItems {
		return "purchase_order_id"
	}
	return ""
}

// NameKeyed collections use people/place names as natural keys; the others use codes.
func (c Collection) NameKeyed() bool {
	return c == CollectionMissionAreas || c == CollectionMissionaries
}

// NormalizeNaturalKey returns the comparison form stored in natural_key_norm.
func (c Collection) NormalizeNaturalKey(s string) string {
	if c.NameKeyed() {
		return keynorm.NormalizeArea(s)
	}
	return keynorm.Normalize(s).Upper
}

// newModel returns a pointer to the gorm model backing c.
func (c Collection) newModel() (any, error) {
	switch c {
	case CollectionPurchaseOrders:
		return &PurchaseOrder{}, nil
	case CollectionLineItems:
		return &LineItem{}, nil
	case CollectionMissionAreas:
		return &MissionArea{}, nil
	case CollectionMissionaries:
		return &Missionary{}, nil
	}
	return nil, ErrUnknownCollection
}

// importableColumns are the columns an import row may write per collection.
// Keys, lifecycle state and canonical flags are never row-writable.
var importableColumns = map[Collection]map[string]bool{
	CollectionPurchaseOrders: {
		"vendor": true, "po_type": true, "order_date": true, "expected_date": true, "status": true, "notes": true,
	},
	CollectionLineItems: {
		"description": true, "qty": true, "received_qty": true, "unit_cost": true,
	},
	CollectionMissionAreas: {
		"mission": true, "country": true, "group_key": true,
	},
	CollectionMissionaries: {
		"mission": true, "area_name": true, "email": true, "phone": true, "start_year": true, "end_year": true, "notes": true,
	},
}

func IsImportableColumn(c Collection, column string) bool {
	return importableColumns[c][column]
}

// ImportableColumns lists the row-writable columns of c.
func ImportableColumns(c Collection) []string {
	cols := make([]string, 0, len(importableColumns[c]))
	for col := range importableColumns[c] {
		cols = append(cols, col)
	}
	return cols
}
