// Package lifecycle applies a reconciliation Diff to the store. It is the only
// writer of import state, so the hide/resurrect rules are enforced here.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/ops_backend/config"
	"github.com/mmdatafocus/ops_backend/models"
	"github.com/mmdatafocus/ops_backend/reconcile"
)

// Store is the persistence the manager writes through. Conditional writes
// return models.ErrWriteConflict when the entity moved on since ref was read.
type Store interface {
	Insert(ctx context.Context, e models.NewEntity) (*models.Snapshot, error)
	FindCreated(ctx context.Context, e models.NewEntity) (*models.Snapshot, error)
	Refresh(ctx context.Context, ref models.EntityRef) (*models.Snapshot, error)
	MergeFields(ctx context.Context, ref models.EntityRef, fields map[string]any, batchId string) error
	Hide(ctx context.Context, ref models.EntityRef, reason models.HiddenReason, at time.Time) error
	Resurrect(ctx context.Context, ref models.EntityRef, fields map[string]any, batchId string) error
	HideChildren(ctx context.Context, parent models.EntityRef, at time.Time) (int, error)
	ResurrectChildren(ctx context.Context, parent models.EntityRef, batchId string) (int, error)
	RepairCascades(ctx context.Context, parent models.Collection, businessId, batchId string, at time.Time) (hidden, resurrected int, err error)
}

// Op names the write an EntityError belongs to.
const (
	// OpCreate inserts a new entity.
	OpCreate = "create"
	// OpUpdate merges fields into a visible entity.
	OpUpdate = "update"
	// OpHide hides an entity for the diff's reason.
	OpHide = "hide"
	// OpResurrect un-hides an import-hidden entity.
	OpResurrect = "resurrect"
	// OpCascadeHide hides the children of a hidden parent.
	OpCascadeHide = "cascade_hide"
	// OpCascadeResurrect un-hides children hidden only because of their parent.
	OpCascadeResurrect = "cascade_resurrect"
	// OpCascadeRepair finishes cascades an interrupted run left undone.
	OpCascadeRepair = "cascade_repair"
)

// EntityError is one failed write. The batch carries on past it.
type EntityError struct {
	Op         string
	Collection models.Collection
	EntityId   int
	NaturalKey string
	Rows       []int
	Code       string
	Retryable  bool
	Err        error
}

func (e *EntityError) Error() string {
	if e.EntityId > 0 {
		return fmt.Sprintf("%s %s #%d (%s): %v", e.Op, e.Collection, e.EntityId, e.NaturalKey, e.Err)
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Collection, e.NaturalKey, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

type ApplyResult struct {
	Created            int            `json:"created"`
	Updated            int            `json:"updated"`
	Hidden             int            `json:"hidden"`
	Resurrected        int            `json:"resurrected"`
	KeptHidden         int            `json:"kept_hidden"`
	CascadeHidden      int            `json:"cascade_hidden"`
	CascadeResurrected int            `json:"cascade_resurrected"`
	Errors             []*EntityError `json:"-"`
}

func (r *ApplyResult) Failed() int {
	return len(r.Errors)
}

type Manager struct {
	store  Store
	now    func() time.Time
	logger *logrus.Logger
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: config.GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply writes diff in order: creates, updates, hides with their cascades,
// resurrections with theirs, then a repair of cascades left undone by an
// earlier interrupted run. Entity failures are collected in the result; the
// returned error is only ever the context's.
func (m *Manager) Apply(ctx context.Context, batch reconcile.Batch, diff *reconcile.Diff) (*ApplyResult, error) {
	res := &ApplyResult{KeptHidden: len(diff.KeptHidden)}

	for _, c := range diff.ToCreate {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		m.applyCreate(ctx, batch, c, res)
	}
	for _, u := range diff.ToUpdate {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		m.applyUpdate(ctx, batch, u, res)
	}
	for _, h := range diff.ToHide {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		m.applyHide(ctx, h, res)
	}
	for _, u := range diff.ToResurrect {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		m.applyResurrect(ctx, batch, u, res)
	}
	if root := cascadeRoot(batch.Collection); root != "" {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		m.repairCascades(ctx, batch, root, res)
	}
	return res, nil
}

// cascadeRoot is the parent collection whose cascades a batch of c touches.
func cascadeRoot(c models.Collection) models.Collection {
	if len(c.Children()) > 0 {
		return c
	}
	return c.Parent()
}

// repairCascades hides visible children of hidden parents and un-hides
// ParentHidden children of visible parents. A parent hidden by a run that
// stopped before its cascade is already hidden on the rerun, so no diff
// entry would ever finish it.
func (m *Manager) repairCascades(ctx context.Context, batch reconcile.Batch, root models.Collection, res *ApplyResult) {
	hidden, resurrected, err := m.store.RepairCascades(ctx, root, batch.BusinessId, batch.Id, m.now())
	res.CascadeHidden += hidden
	res.CascadeResurrected += resurrected
	if err != nil {
		m.fail(res, OpCascadeRepair, root, 0, "", nil, err)
		return
	}
	if hidden+resurrected > 0 {
		m.logger.WithFields(logrus.Fields{
			"module":      "lifecycle",
			"collection":  root,
			"batch_id":    batch.Id,
			"hidden":      hidden,
			"resurrected": resurrected,
		}).Warn("repaired cascades left by an interrupted run")
	}
}

func (m *Manager) applyCreate(ctx context.Context, batch reconcile.Batch, c reconcile.Create, res *ApplyResult) {
	e := c.Entity
	e.BatchId = batch.Id
	_, err := m.store.Insert(ctx, e)
	if err == nil {
		res.Created++
		return
	}
	if !errors.Is(err, models.ErrDuplicateEntity) {
		m.fail(res, OpCreate, e.Collection, 0, e.NaturalKey, c.Rows, err)
		return
	}

	// An interrupted earlier attempt of this batch already inserted the row.
	existing, ferr := m.store.FindCreated(ctx, e)
	if ferr != nil {
		m.fail(res, OpCreate, e.Collection, 0, e.NaturalKey, c.Rows, fmt.Errorf("%w (lookup: %v)", err, ferr))
		return
	}
	err = m.withRetry(ctx, existing, func(cur *models.Snapshot) error {
		if cur.IsHidden {
			return fmt.Errorf("%w: entity hidden since it was created", models.ErrWriteConflict)
		}
		return m.store.MergeFields(ctx, cur.Ref(), e.Fields, batch.Id)
	})
	if err != nil {
		m.fail(res, OpCreate, e.Collection, existing.ID, e.NaturalKey, c.Rows, err)
		return
	}
	res.Created++
}

func (m *Manager) applyUpdate(ctx context.Context, batch reconcile.Batch, u reconcile.Update, res *ApplyResult) {
	err := m.withRetry(ctx, u.Entity, func(cur *models.Snapshot) error {
		if cur.IsHidden {
			return fmt.Errorf("%w: entity was hidden concurrently", models.ErrWriteConflict)
		}
		return m.store.MergeFields(ctx, cur.Ref(), u.Fields, batch.Id)
	})
	if err != nil {
		m.fail(res, OpUpdate, u.Entity.Collection, u.Entity.ID, u.Entity.NaturalKey, u.Rows, err)
		return
	}
	res.Updated++
}

func (m *Manager) applyHide(ctx context.Context, h reconcile.Hide, res *ApplyResult) {
	ent := h.Entity
	state := models.ImportState{IsHidden: true, HiddenReason: h.Reason}
	if err := state.Validate(); err != nil {
		m.fail(res, OpHide, ent.Collection, ent.ID, ent.NaturalKey, nil, err)
		return
	}

	applied := false
	err := m.withRetry(ctx, ent, func(cur *models.Snapshot) error {
		if cur.IsHidden {
			// Hidden by someone else meanwhile; nothing left to do.
			return nil
		}
		if err := m.store.Hide(ctx, cur.Ref(), h.Reason, m.now()); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		m.fail(res, OpHide, ent.Collection, ent.ID, ent.NaturalKey, nil, err)
		return
	}
	if applied {
		res.Hidden++
	}

	if len(ent.Collection.Children()) == 0 {
		return
	}
	n, err := m.store.HideChildren(ctx, ent.Ref(), m.now())
	res.CascadeHidden += n
	if err != nil {
		m.fail(res, OpCascadeHide, ent.Collection, ent.ID, ent.NaturalKey, nil, err)
	}
}

func (m *Manager) applyResurrect(ctx context.Context, batch reconcile.Batch, u reconcile.Update, res *ApplyResult) {
	ent := u.Entity
	if parent := ent.Collection.Parent(); parent != "" && ent.ParentID > 0 {
		p, err := m.store.Refresh(ctx, models.EntityRef{Collection: parent, BusinessId: ent.BusinessId, ID: ent.ParentID})
		if err != nil {
			m.fail(res, OpResurrect, ent.Collection, ent.ID, ent.NaturalKey, u.Rows, err)
			return
		}
		if p.IsHidden {
			m.failCode(res, OpResurrect, ent, u.Rows, models.ImportErrorParentHidden, false,
				fmt.Errorf("parent %s #%d is hidden (%s)", parent, p.ID, p.HiddenReason))
			return
		}
	}

	applied := false
	err := m.withRetry(ctx, ent, func(cur *models.Snapshot) error {
		if !cur.IsHidden {
			return m.store.MergeFields(ctx, cur.Ref(), u.Fields, batch.Id)
		}
		if !cur.HiddenReason.Resurrectable() {
			return &models.ValidationError{Field: "hidden_reason", Message: fmt.Sprintf("%s is not resurrectable", cur.HiddenReason)}
		}
		if err := m.store.Resurrect(ctx, cur.Ref(), u.Fields, batch.Id); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		m.fail(res, OpResurrect, ent.Collection, ent.ID, ent.NaturalKey, u.Rows, err)
		return
	}
	if applied {
		res.Resurrected++
	} else {
		res.Updated++
	}

	if len(ent.Collection.Children()) == 0 {
		return
	}
	n, err := m.store.ResurrectChildren(ctx, ent.Ref(), batch.Id)
	res.CascadeResurrected += n
	if err != nil {
		m.fail(res, OpCascadeResurrect, ent.Collection, ent.ID, ent.NaturalKey, nil, err)
	}
}

// withRetry runs write against snap; on a write conflict it reloads the
// entity and tries exactly once more.
func (m *Manager) withRetry(ctx context.Context, snap *models.Snapshot, write func(cur *models.Snapshot) error) error {
	err := write(snap)
	if !errors.Is(err, models.ErrWriteConflict) {
		return err
	}
	fresh, rerr := m.store.Refresh(ctx, snap.Ref())
	if rerr != nil {
		return fmt.Errorf("%w (refresh: %v)", err, rerr)
	}
	return write(fresh)
}

func (m *Manager) fail(res *ApplyResult, op string, c models.Collection, id int, key string, rows []int, err error) {
	code := models.ImportErrorWriteFailed
	retryable := false
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		code = models.ImportErrorValidation
	case errors.Is(err, models.ErrWriteConflict):
		code = models.ImportErrorWriteConflict
		retryable = true
	}
	m.record(res, &EntityError{Op: op, Collection: c, EntityId: id, NaturalKey: key, Rows: rows, Code: code, Retryable: retryable, Err: err})
}

func (m *Manager) failCode(res *ApplyResult, op string, ent *models.Snapshot, rows []int, code string, retryable bool, err error) {
	m.record(res, &EntityError{Op: op, Collection: ent.Collection, EntityId: ent.ID, NaturalKey: ent.NaturalKey, Rows: rows, Code: code, Retryable: retryable, Err: err})
}

func (m *Manager) record(res *ApplyResult, ee *EntityError) {
	res.Errors = append(res.Errors, ee)
	config.LogError(m.logger, "lifecycle", "Apply", "entity write failed", map[string]interface{}{
		"op":         ee.Op,
		"collection": ee.Collection,
		"entity_id":  ee.EntityId,
		"key":        ee.NaturalKey,
		"code":       ee.Code,
	}, ee.Err)
}
