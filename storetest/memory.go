// Package storetest provides an in-memory stand-in for models.GormStore so the
// pipeline packages can be tested without MySQL.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/mmdatafocus/ops_backend/keynorm"
	"github.com/mmdatafocus/ops_backend/models"
)

type record struct {
	snap   models.Snapshot
	fields map[string]any
	origin string
	hidden *time.Time
}

// Seed describes an entity to preload.
type Seed struct {
	Collection   models.Collection
	NaturalKey   string
	LegacyKey    string
	ParentID     int
	IsHidden     bool
	HiddenReason models.HiddenReason
	Fields       map[string]any
}

// MemoryStore mirrors GormStore's write guards: every conditional write checks
// the version and bumps it, and hidden/visible preconditions are enforced.
type MemoryStore struct {
	mu         sync.Mutex
	BusinessId string
	nextID     int
	records    map[models.Collection]map[int]*record
	failures   map[string][]error
	writes     int
}

func NewMemoryStore(businessId string) *MemoryStore {
	return &MemoryStore{
		BusinessId: businessId,
		records:    make(map[models.Collection]map[int]*record),
		failures:   make(map[string][]error),
	}
}

func failureKey(c models.Collection, id int) string {
	return fmt.Sprintf("%s/%d", c, id)
}

// FailNext makes the next writes against (c, id) return errs in order before
// the write is attempted.
func (s *MemoryStore) FailNext(c models.Collection, id int, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := failureKey(c, id)
	s.failures[k] = append(s.failures[k], errs...)
}

func (s *MemoryStore) popFailure(c models.Collection, id int) error {
	k := failureKey(c, id)
	q := s.failures[k]
	if len(q) == 0 {
		return nil
	}
	s.failures[k] = q[1:]
	return q[0]
}

// Writes counts successful entity writes.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Add preloads an entity and returns its id.
func (s *MemoryStore) Add(seed Seed) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	snap := models.Snapshot{
		ID:             id,
		Collection:     seed.Collection,
		BusinessId:     s.BusinessId,
		NaturalKey:     keynorm.Normalize(seed.NaturalKey).Display,
		NaturalKeyNorm: seed.Collection.NormalizeNaturalKey(seed.NaturalKey),
		LegacyKey:      keynorm.NormalizeLegacy(seed.LegacyKey),
		ParentID:       seed.ParentID,
		IsHidden:       seed.IsHidden,
		HiddenReason:   seed.HiddenReason,
	}
	fields := make(map[string]any, len(seed.Fields))
	for k, v := range seed.Fields {
		fields[k] = v
	}
	s.table(seed.Collection)[id] = &record{snap: snap, fields: fields}
	return id
}

func (s *MemoryStore) table(c models.Collection) map[int]*record {
	t, ok := s.records[c]
	if !ok {
		t = make(map[int]*record)
		s.records[c] = t
	}
	return t
}

// Get returns a copy of the entity's snapshot and fields.
func (s *MemoryStore) Get(c models.Collection, id int) (models.Snapshot, map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[c][id]
	if !ok {
		return models.Snapshot{}, nil, false
	}
	fields := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		fields[k] = v
	}
	return r.snap, fields, true
}

func (s *MemoryStore) Count(c models.Collection) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[c])
}

func (s *MemoryStore) sortedIDs(c models.Collection) []int {
	ids := make([]int, 0, len(s.records[c]))
	for id := range s.records[c] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, businessId string, c models.Collection) ([]*models.Snapshot, error) {
	if !c.IsValid() {
		return nil, models.ErrUnknownCollection
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Snapshot
	for _, id := range s.sortedIDs(c) {
		r := s.records[c][id]
		if r.snap.BusinessId != businessId {
			continue
		}
		snap := r.snap
		out = append(out, &snap)
	}
	return out, nil
}

func (s *MemoryStore) Refresh(_ context.Context, ref models.EntityRef) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[ref.Collection][ref.ID]
	if !ok || r.snap.BusinessId != ref.BusinessId {
		return nil, gorm.ErrRecordNotFound
	}
	snap := r.snap
	return &snap, nil
}

func checkColumns(c models.Collection, fields map[string]any) error {
	for col := range fields {
		if !models.IsImportableColumn(c, col) {
			return fmt.Errorf("%w: %s.%s", models.ErrUnknownColumn, c, col)
		}
	}
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, e models.NewEntity) (*models.Snapshot, error) {
	if err := checkColumns(e.Collection, e.Fields); err != nil {
		return nil, err
	}
	if keynorm.Normalize(e.NaturalKey).Empty() {
		return nil, &models.ValidationError{Field: "natural_key", Message: "required"}
	}
	if col := e.Collection.ParentColumn(); col != "" && e.ParentID <= 0 {
		return nil, &models.ValidationError{Field: col, Message: "required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	origin := e.OriginKey()
	for _, r := range s.records[e.Collection] {
		if r.origin == origin {
			return nil, fmt.Errorf("%w: %s", models.ErrDuplicateEntity, origin)
		}
	}
	s.nextID++
	fields := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	r := &record{
		snap: models.Snapshot{
			ID:               s.nextID,
			Collection:       e.Collection,
			BusinessId:       e.BusinessId,
			NaturalKey:       keynorm.Normalize(e.NaturalKey).Display,
			NaturalKeyNorm:   e.Collection.NormalizeNaturalKey(e.NaturalKey),
			LegacyKey:        keynorm.NormalizeLegacy(e.LegacyKey),
			ParentID:         e.ParentID,
			LastSeenImportId: e.BatchId,
		},
		fields: fields,
		origin: origin,
	}
	s.table(e.Collection)[r.snap.ID] = r
	s.writes++
	snap := r.snap
	return &snap, nil
}

func (s *MemoryStore) FindCreated(_ context.Context, e models.NewEntity) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	origin := e.OriginKey()
	for _, r := range s.records[e.Collection] {
		if r.origin == origin && r.snap.BusinessId == e.BusinessId {
			snap := r.snap
			return &snap, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// guarded runs write under the lock after the version check.
func (s *MemoryStore) guarded(ref models.EntityRef, cond func(*record) bool, write func(*record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure(ref.Collection, ref.ID); err != nil {
		return err
	}
	r, ok := s.records[ref.Collection][ref.ID]
	if !ok || r.snap.BusinessId != ref.BusinessId || r.snap.Version != ref.Version {
		return models.ErrWriteConflict
	}
	if cond != nil && !cond(r) {
		return models.ErrWriteConflict
	}
	write(r)
	r.snap.Version++
	s.writes++
	return nil
}

func (s *MemoryStore) MergeFields(_ context.Context, ref models.EntityRef, fields map[string]any, batchId string) error {
	if err := checkColumns(ref.Collection, fields); err != nil {
		return err
	}
	return s.guarded(ref, nil, func(r *record) {
		mergeInto(ref.Collection, r, fields)
		r.snap.LastSeenImportId = batchId
	})
}

// mergeInto copies fields onto r. An area moved to another group loses its
// canonical flags, as in GormStore.
func mergeInto(c models.Collection, r *record, fields map[string]any) {
	if next, ok := fields["group_key"]; ok && c == models.CollectionMissionAreas && fmt.Sprint(next) != stringField(r.fields, "group_key") {
		r.fields["is_canonical"] = false
		r.fields["canonical_auto"] = false
	}
	for k, v := range fields {
		r.fields[k] = v
	}
}

func (s *MemoryStore) Hide(_ context.Context, ref models.EntityRef, reason models.HiddenReason, at time.Time) error {
	state := models.ImportState{IsHidden: true, HiddenReason: reason}
	if err := state.Validate(); err != nil {
		return err
	}
	return s.guarded(ref, func(r *record) bool { return !r.snap.IsHidden }, func(r *record) {
		r.snap.IsHidden = true
		r.snap.HiddenReason = reason
		r.hidden = &at
	})
}

func (s *MemoryStore) Resurrect(_ context.Context, ref models.EntityRef, fields map[string]any, batchId string) error {
	if err := checkColumns(ref.Collection, fields); err != nil {
		return err
	}
	cond := func(r *record) bool { return r.snap.IsHidden && r.snap.HiddenReason.Resurrectable() }
	return s.guarded(ref, cond, func(r *record) {
		mergeInto(ref.Collection, r, fields)
		r.snap.IsHidden = false
		r.snap.HiddenReason = models.HiddenReasonNone
		r.hidden = nil
		r.snap.LastSeenImportId = batchId
	})
}

func (s *MemoryStore) HideChildren(_ context.Context, parent models.EntityRef, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, child := range parent.Collection.Children() {
		for _, r := range s.records[child] {
			if r.snap.ParentID == parent.ID && r.snap.BusinessId == parent.BusinessId && !r.snap.IsHidden {
				r.snap.IsHidden = true
				r.snap.HiddenReason = models.HiddenReasonParentHidden
				r.hidden = &at
				r.snap.Version++
				n++
			}
		}
	}
	s.writes += n
	return n, nil
}

func (s *MemoryStore) ResurrectChildren(_ context.Context, parent models.EntityRef, batchId string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, child := range parent.Collection.Children() {
		for _, r := range s.records[child] {
			if r.snap.ParentID == parent.ID && r.snap.BusinessId == parent.BusinessId &&
				r.snap.IsHidden && r.snap.HiddenReason == models.HiddenReasonParentHidden {
				r.snap.IsHidden = false
				r.snap.HiddenReason = models.HiddenReasonNone
				r.hidden = nil
				r.snap.LastSeenImportId = batchId
				r.snap.Version++
				n++
			}
		}
	}
	s.writes += n
	return n, nil
}

func (s *MemoryStore) RepairCascades(_ context.Context, parent models.Collection, businessId, batchId string, at time.Time) (hidden, resurrected int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, child := range parent.Children() {
		for _, id := range s.sortedIDs(child) {
			r := s.records[child][id]
			if r.snap.BusinessId != businessId {
				continue
			}
			p, ok := s.records[parent][r.snap.ParentID]
			if !ok || p.snap.BusinessId != businessId {
				continue
			}
			switch {
			case p.snap.IsHidden && !r.snap.IsHidden:
				r.snap.IsHidden = true
				r.snap.HiddenReason = models.HiddenReasonParentHidden
				r.hidden = &at
				hidden++
			case !p.snap.IsHidden && r.snap.IsHidden && r.snap.HiddenReason == models.HiddenReasonParentHidden:
				r.snap.IsHidden = false
				r.snap.HiddenReason = models.HiddenReasonNone
				r.hidden = nil
				r.snap.LastSeenImportId = batchId
				resurrected++
			default:
				continue
			}
			r.snap.Version++
		}
	}
	s.writes += hidden + resurrected
	return hidden, resurrected, nil
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

func boolField(fields map[string]any, key string) bool {
	v, _ := fields[key].(bool)
	return v
}

func (r *record) state() models.ImportState {
	st := r.snap.State()
	st.HiddenDate = r.hidden
	return st
}

func (r *record) area() models.MissionArea {
	return models.MissionArea{
		ID:            r.snap.ID,
		BusinessId:    r.snap.BusinessId,
		ImportState:   r.state(),
		Mission:       stringField(r.fields, "mission"),
		Country:       stringField(r.fields, "country"),
		GroupKey:      stringField(r.fields, "group_key"),
		IsCanonical:   boolField(r.fields, "is_canonical"),
		CanonicalAuto: boolField(r.fields, "canonical_auto"),
	}
}

func (s *MemoryStore) areas(businessId, groupKey string, all bool) []models.MissionArea {
	var out []models.MissionArea
	for _, id := range s.sortedIDs(models.CollectionMissionAreas) {
		r := s.records[models.CollectionMissionAreas][id]
		if r.snap.BusinessId != businessId {
			continue
		}
		if !all && stringField(r.fields, "group_key") != groupKey {
			continue
		}
		out = append(out, r.area())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].GroupKey != out[j].GroupKey {
			return out[i].GroupKey < out[j].GroupKey
		}
		return out[i].NaturalKey < out[j].NaturalKey
	})
	return out
}

func (s *MemoryStore) ListAreaVariants(_ context.Context, businessId string) ([]models.MissionArea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.areas(businessId, "", true), nil
}

func (s *MemoryStore) ListAreaGroup(_ context.Context, businessId, groupKey string) ([]models.MissionArea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.areas(businessId, groupKey, false), nil
}

// UpdateCanonical holds the store lock for the whole read-pick-write, which
// serializes groups more coarsely than the row locks GormStore takes.
func (s *MemoryStore) UpdateCanonical(_ context.Context, businessId, groupKey string, pick func(group []models.MissionArea) (int, bool, error)) (*models.MissionArea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group := s.areas(businessId, groupKey, false)
	id, auto, err := pick(group)
	if err != nil || id == 0 {
		return nil, err
	}
	var chosen *models.MissionArea
	for _, a := range group {
		r := s.records[models.CollectionMissionAreas][a.ID]
		if a.ID == id {
			r.fields["is_canonical"] = true
			r.fields["canonical_auto"] = auto
			area := r.area()
			chosen = &area
		} else {
			r.fields["is_canonical"] = false
			r.fields["canonical_auto"] = false
		}
	}
	s.writes++
	return chosen, nil
}

// CanonicalOf returns the ids flagged canonical in a group.
func (s *MemoryStore) CanonicalOf(businessId, groupKey string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for _, a := range s.areas(businessId, groupKey, false) {
		if a.IsCanonical {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

func (s *MemoryStore) ListUntypedPurchaseOrders(_ context.Context, businessId string) ([]models.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PurchaseOrder
	for _, id := range s.sortedIDs(models.CollectionPurchaseOrders) {
		r := s.records[models.CollectionPurchaseOrders][id]
		if r.snap.BusinessId != businessId || r.snap.IsHidden || stringField(r.fields, "po_type") != "" {
			continue
		}
		po := models.PurchaseOrder{
			ID:          id,
			BusinessId:  businessId,
			ImportState: r.state(),
			Vendor:      stringField(r.fields, "vendor"),
		}
		for _, liID := range s.sortedIDs(models.CollectionLineItems) {
			li := s.records[models.CollectionLineItems][liID]
			if li.snap.ParentID != id || li.snap.IsHidden {
				continue
			}
			po.LineItems = append(po.LineItems, models.LineItem{
				ID:              liID,
				BusinessId:      businessId,
				PurchaseOrderId: id,
				ImportState:     li.state(),
				Description:     stringField(li.fields, "description"),
			})
		}
		out = append(out, po)
	}
	return out, nil
}

func (s *MemoryStore) SetPurchaseOrderType(_ context.Context, businessId string, poId int, poType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure(models.CollectionPurchaseOrders, poId); err != nil {
		return false, err
	}
	r, ok := s.records[models.CollectionPurchaseOrders][poId]
	if !ok || r.snap.BusinessId != businessId || stringField(r.fields, "po_type") != "" {
		return false, nil
	}
	r.fields["po_type"] = poType
	r.snap.Version++
	s.writes++
	return true, nil
}
