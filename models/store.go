package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mmdatafocus/ops_backend/keynorm"
)

// ErrDuplicateEntity is returned by Insert when the same create was already
// applied (a retried batch). Callers converge it into an update.
var ErrDuplicateEntity = errors.New("entity already created by this batch")

// GormStore is the MySQL-backed store behind the import pipeline, the area
// canonical index and the PO type backfill. The handle is injected; the store
// never reaches for config.GetDB.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *GormStore) DB() *gorm.DB {
	return s.db
}

type snapshotRow struct {
	ID               int
	BusinessId       string
	NaturalKey       string
	NaturalKeyNorm   string
	LegacyKey        *string
	ParentId         int
	IsHidden         bool
	HiddenReason     HiddenReason
	LastSeenImportId string
	Version          int
}

func (r snapshotRow) toSnapshot(c Collection) *Snapshot {
	snap := &Snapshot{
		ID:               r.ID,
		Collection:       c,
		BusinessId:       r.BusinessId,
		NaturalKey:       r.NaturalKey,
		NaturalKeyNorm:   r.NaturalKeyNorm,
		ParentID:         r.ParentId,
		IsHidden:         r.IsHidden,
		HiddenReason:     r.HiddenReason,
		LastSeenImportId: r.LastSeenImportId,
		Version:          r.Version,
	}
	if r.LegacyKey != nil {
		snap.LegacyKey = *r.LegacyKey
	}
	return snap
}

func snapshotColumns(c Collection) string {
	parent := "0 AS parent_id"
	if col := c.ParentColumn(); col != "" {
		parent = col + " AS parent_id"
	}
	return "id, business_id, natural_key, natural_key_norm, legacy_key, " + parent +
		", is_hidden, hidden_reason, last_seen_import_id, version"
}

// LoadSnapshot returns every entity of c for the business, hidden ones included.
func (s *GormStore) LoadSnapshot(ctx context.Context, businessId string, c Collection) ([]*Snapshot, error) {
	model, err := c.newModel()
	if err != nil {
		return nil, err
	}
	var rows []snapshotRow
	if err := s.db.WithContext(ctx).Model(model).
		Select(snapshotColumns(c)).
		Where("business_id = ?", businessId).
		Order("id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSnapshot(c))
	}
	return out, nil
}

// Refresh reloads the current state of ref.
func (s *GormStore) Refresh(ctx context.Context, ref EntityRef) (*Snapshot, error) {
	model, err := ref.Collection.newModel()
	if err != nil {
		return nil, err
	}
	var row snapshotRow
	res := s.db.WithContext(ctx).Model(model).
		Select(snapshotColumns(ref.Collection)).
		Where("id = ? AND business_id = ?", ref.ID, ref.BusinessId).
		Limit(1).
		Scan(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return row.toSnapshot(ref.Collection), nil
}

func (s *GormStore) checkColumns(c Collection, fields map[string]any) error {
	for col := range fields {
		if !IsImportableColumn(c, col) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, c, col)
		}
	}
	return nil
}

// Insert creates e as a visible entity last seen by e.BatchId.
func (s *GormStore) Insert(ctx context.Context, e NewEntity) (*Snapshot, error) {
	model, err := e.Collection.newModel()
	if err != nil {
		return nil, err
	}
	if err := s.checkColumns(e.Collection, e.Fields); err != nil {
		return nil, err
	}
	if keynorm.Normalize(e.NaturalKey).Empty() {
		return nil, &ValidationError{Field: "natural_key", Message: "required"}
	}
	if col := e.Collection.ParentColumn(); col != "" && e.ParentID <= 0 {
		return nil, &ValidationError{Field: col, Message: "required"}
	}

	now := s.now()
	origin := e.OriginKey()
	values := map[string]interface{}{
		"business_id":         e.BusinessId,
		"natural_key":         keynorm.Normalize(e.NaturalKey).Display,
		"natural_key_norm":    e.Collection.NormalizeNaturalKey(e.NaturalKey),
		"is_hidden":           false,
		"hidden_reason":       HiddenReasonNone,
		"last_seen_import_id": e.BatchId,
		"origin_key":          origin,
		"version":             0,
		"created_at":          now,
		"updated_at":          now,
	}
	if legacy := keynorm.NormalizeLegacy(e.LegacyKey); legacy != "" {
		values["legacy_key"] = legacy
	}
	if col := e.Collection.ParentColumn(); col != "" {
		values[col] = e.ParentID
	}
	for k, v := range e.Fields {
		values[k] = v
	}

	if err := s.db.WithContext(ctx).Model(model).Create(values).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEntity, origin)
		}
		return nil, classifyWriteErr(err)
	}
	return s.FindCreated(ctx, e)
}

// FindCreated loads the entity previously inserted for e by the same batch.
func (s *GormStore) FindCreated(ctx context.Context, e NewEntity) (*Snapshot, error) {
	model, err := e.Collection.newModel()
	if err != nil {
		return nil, err
	}
	var row snapshotRow
	res := s.db.WithContext(ctx).Model(model).
		Select(snapshotColumns(e.Collection)).
		Where("origin_key = ? AND business_id = ?", e.OriginKey(), e.BusinessId).
		Limit(1).
		Scan(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return row.toSnapshot(e.Collection), nil
}

// conditionalUpdate applies values to ref only while its version is unchanged
// and extra conditions hold. Zero rows affected is a write conflict.
func (s *GormStore) conditionalUpdate(ctx context.Context, ref EntityRef, values map[string]interface{}, extra func(*gorm.DB) *gorm.DB) error {
	model, err := ref.Collection.newModel()
	if err != nil {
		return err
	}
	values["version"] = gorm.Expr("version + 1")
	q := s.db.WithContext(ctx).Model(model).
		Where("id = ? AND business_id = ? AND version = ?", ref.ID, ref.BusinessId, ref.Version)
	if extra != nil {
		q = extra(q)
	}
	res := q.Updates(values)
	if res.Error != nil {
		return classifyWriteErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrWriteConflict
	}
	return nil
}

// MergeFields writes the given non-empty fields and marks the entity seen by batchId.
func (s *GormStore) MergeFields(ctx context.Context, ref EntityRef, fields map[string]any, batchId string) error {
	if err := s.checkColumns(ref.Collection, fields); err != nil {
		return err
	}
	values := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		values[k] = v
	}
	values["last_seen_import_id"] = batchId
	if err := s.resetCanonicalOnMove(ctx, ref, values); err != nil {
		return err
	}
	return s.conditionalUpdate(ctx, ref, values, nil)
}

// resetCanonicalOnMove clears the canonical flags in values when they move an
// area to another group, so no group ever holds two canonicals. The read is
// guarded on ref.Version like the write that follows it.
func (s *GormStore) resetCanonicalOnMove(ctx context.Context, ref EntityRef, values map[string]interface{}) error {
	next, ok := values["group_key"]
	if ref.Collection != CollectionMissionAreas || !ok {
		return nil
	}
	var current struct{ GroupKey *string }
	res := s.db.WithContext(ctx).Model(&MissionArea{}).
		Select("group_key").
		Where("id = ? AND business_id = ? AND version = ?", ref.ID, ref.BusinessId, ref.Version).
		Limit(1).
		Scan(&current)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrWriteConflict
	}
	if current.GroupKey != nil && *current.GroupKey == fmt.Sprint(next) {
		return nil
	}
	values["is_canonical"] = false
	values["canonical_auto"] = false
	return nil
}

// Hide soft-deletes a visible entity.
func (s *GormStore) Hide(ctx context.Context, ref EntityRef, reason HiddenReason, at time.Time) error {
	state := ImportState{IsHidden: true, HiddenReason: reason}
	if err := state.Validate(); err != nil {
		return err
	}
	return s.conditionalUpdate(ctx, ref, map[string]interface{}{
		"is_hidden":     true,
		"hidden_reason": reason,
		"hidden_date":   at,
	}, func(q *gorm.DB) *gorm.DB {
		return q.Where("is_hidden = ?", false)
	})
}

// Resurrect un-hides ref in one statement, guarded on it still being hidden
// for a resurrectable reason, and merges fields alongside.
func (s *GormStore) Resurrect(ctx context.Context, ref EntityRef, fields map[string]any, batchId string) error {
	if err := s.checkColumns(ref.Collection, fields); err != nil {
		return err
	}
	values := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		values[k] = v
	}
	values["is_hidden"] = false
	values["hidden_reason"] = HiddenReasonNone
	values["hidden_date"] = nil
	values["last_seen_import_id"] = batchId
	if err := s.resetCanonicalOnMove(ctx, ref, values); err != nil {
		return err
	}
	return s.conditionalUpdate(ctx, ref, values, func(q *gorm.DB) *gorm.DB {
		return q.Where("is_hidden = ? AND hidden_reason IN ?", true, ResurrectableReasons())
	})
}

// HideChildren hides the visible children of parent with ParentHidden.
// Children hidden earlier keep their own reason.
func (s *GormStore) HideChildren(ctx context.Context, parent EntityRef, at time.Time) (int, error) {
	total := 0
	for _, child := range parent.Collection.Children() {
		model, err := child.newModel()
		if err != nil {
			return total, err
		}
		res := s.db.WithContext(ctx).Model(model).
			Where(child.ParentColumn()+" = ? AND business_id = ? AND is_hidden = ?", parent.ID, parent.BusinessId, false).
			Updates(map[string]interface{}{
				"is_hidden":     true,
				"hidden_reason": HiddenReasonParentHidden,
				"hidden_date":   at,
				"version":       gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return total, classifyWriteErr(res.Error)
		}
		total += int(res.RowsAffected)
	}
	return total, nil
}

// ResurrectChildren un-hides children hidden only because parent was.
func (s *GormStore) ResurrectChildren(ctx context.Context, parent EntityRef, batchId string) (int, error) {
	total := 0
	for _, child := range parent.Collection.Children() {
		model, err := child.newModel()
		if err != nil {
			return total, err
		}
		res := s.db.WithContext(ctx).Model(model).
			Where(child.ParentColumn()+" = ? AND business_id = ? AND is_hidden = ? AND hidden_reason = ?",
				parent.ID, parent.BusinessId, true, HiddenReasonParentHidden).
			Updates(map[string]interface{}{
				"is_hidden":           false,
				"hidden_reason":       HiddenReasonNone,
				"hidden_date":         nil,
				"last_seen_import_id": batchId,
				"version":             gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return total, classifyWriteErr(res.Error)
		}
		total += int(res.RowsAffected)
	}
	return total, nil
}

// RepairCascades brings the children of parent up to date with their
// parents: visible children of hidden parents are hidden with ParentHidden,
// and ParentHidden children of visible parents are un-hidden.
func (s *GormStore) RepairCascades(ctx context.Context, parent Collection, businessId, batchId string, at time.Time) (hidden, resurrected int, err error) {
	parentModel, err := parent.newModel()
	if err != nil {
		return 0, 0, err
	}
	for _, child := range parent.Children() {
		model, err := child.newModel()
		if err != nil {
			return hidden, resurrected, err
		}
		parentsWith := func(isHidden bool) *gorm.DB {
			return s.db.WithContext(ctx).Model(parentModel).
				Select("id").
				Where("business_id = ? AND is_hidden = ?", businessId, isHidden)
		}

		res := s.db.WithContext(ctx).Model(model).
			Where("business_id = ? AND is_hidden = ? AND "+child.ParentColumn()+" IN (?)", businessId, false, parentsWith(true)).
			Updates(map[string]interface{}{
				"is_hidden":     true,
				"hidden_reason": HiddenReasonParentHidden,
				"hidden_date":   at,
				"version":       gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return hidden, resurrected, classifyWriteErr(res.Error)
		}
		hidden += int(res.RowsAffected)

		res = s.db.WithContext(ctx).Model(model).
			Where("business_id = ? AND is_hidden = ? AND hidden_reason = ? AND "+child.ParentColumn()+" IN (?)",
				businessId, true, HiddenReasonParentHidden, parentsWith(false)).
			Updates(map[string]interface{}{
				"is_hidden":           false,
				"hidden_reason":       HiddenReasonNone,
				"hidden_date":         nil,
				"last_seen_import_id": batchId,
				"version":             gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return hidden, resurrected, classifyWriteErr(res.Error)
		}
		resurrected += int(res.RowsAffected)
	}
	return hidden, resurrected, nil
}

// ListAreaVariants returns every area variant of the business, hidden included.
func (s *GormStore) ListAreaVariants(ctx context.Context, businessId string) ([]MissionArea, error) {
	var areas []MissionArea
	err := s.db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Order("group_key, natural_key, id").
		Find(&areas).Error
	return areas, err
}

func (s *GormStore) ListAreaGroup(ctx context.Context, businessId, groupKey string) ([]MissionArea, error) {
	var areas []MissionArea
	err := s.db.WithContext(ctx).
		Where("business_id = ? AND group_key = ?", businessId, groupKey).
		Order("natural_key, id").
		Find(&areas).Error
	return areas, err
}

// UpdateCanonical locks the rows of one group, lets pick choose the canonical
// variant, and rewrites the flags so exactly that variant is canonical. pick
// returning id 0 leaves the group untouched.
func (s *GormStore) UpdateCanonical(ctx context.Context, businessId, groupKey string, pick func(group []MissionArea) (id int, auto bool, err error)) (*MissionArea, error) {
	var chosen *MissionArea
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var group []MissionArea
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ? AND group_key = ?", businessId, groupKey).
			Order("natural_key, id").
			Find(&group).Error; err != nil {
			return err
		}
		id, auto, err := pick(group)
		if err != nil || id == 0 {
			return err
		}
		if err := tx.Model(&MissionArea{}).
			Where("business_id = ? AND group_key = ? AND id <> ? AND (is_canonical = ? OR canonical_auto = ?)", businessId, groupKey, id, true, true).
			Updates(map[string]interface{}{"is_canonical": false, "canonical_auto": false}).Error; err != nil {
			return err
		}
		if err := tx.Model(&MissionArea{}).
			Where("business_id = ? AND id = ?", businessId, id).
			Updates(map[string]interface{}{"is_canonical": true, "canonical_auto": auto}).Error; err != nil {
			return err
		}
		for i := range group {
			if group[i].ID == id {
				group[i].IsCanonical = true
				group[i].CanonicalAuto = auto
				chosen = &group[i]
			}
		}
		return nil
	})
	if err != nil {
		return nil, classifyWriteErr(err)
	}
	return chosen, nil
}

// ListUntypedPurchaseOrders returns visible POs without a type, with their visible line items.
func (s *GormStore) ListUntypedPurchaseOrders(ctx context.Context, businessId string) ([]PurchaseOrder, error) {
	var orders []PurchaseOrder
	err := s.db.WithContext(ctx).
		Scopes(Visible).
		Where("business_id = ? AND (po_type = '' OR po_type IS NULL)", businessId).
		Preload("LineItems", Visible).
		Order("id").
		Find(&orders).Error
	return orders, err
}

// SetPurchaseOrderType assigns poType unless someone typed the PO meanwhile.
func (s *GormStore) SetPurchaseOrderType(ctx context.Context, businessId string, poId int, poType string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&PurchaseOrder{}).
		Where("id = ? AND business_id = ? AND (po_type = '' OR po_type IS NULL)", poId, businessId).
		Updates(map[string]interface{}{
			"po_type": poType,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, classifyWriteErr(res.Error)
	}
	return res.RowsAffected > 0, nil
}
