package models_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/ops_backend/models"
)

func TestGormStore_LifecycleWrites(t *testing.T) {
	db := openIntegrationDB(t)
	ctx := context.Background()
	store := models.NewGormStore(db)
	businessID := uuid.NewString()
	batchID := uuid.NewString()

	po, err := store.Insert(ctx, models.NewEntity{
		Collection: models.CollectionPurchaseOrders,
		BusinessId: businessID,
		NaturalKey: "PO100",
		LegacyKey:  "1042.0",
		Fields:     map[string]any{"vendor": "Acme Seeds"},
		BatchId:    batchID,
	})
	if err != nil {
		t.Fatalf("insert po: %v", err)
	}
	if po.LegacyKey != "1042" || po.IsHidden || po.LastSeenImportId != batchID {
		t.Fatalf("unexpected po snapshot: %+v", po)
	}

	// A retried create of the same row collides on the origin key.
	_, err = store.Insert(ctx, models.NewEntity{
		Collection: models.CollectionPurchaseOrders,
		BusinessId: businessID,
		NaturalKey: "po100",
		BatchId:    batchID,
	})
	if !errors.Is(err, models.ErrDuplicateEntity) {
		t.Fatalf("expected ErrDuplicateEntity, got %v", err)
	}

	for _, sku := range []string{"BT157 : Beet", "SP79 : Sweet Pea"} {
		if _, err := store.Insert(ctx, models.NewEntity{
			Collection: models.CollectionLineItems,
			BusinessId: businessID,
			NaturalKey: sku,
			ParentID:   po.ID,
			Fields:     map[string]any{"qty": decimal.NewFromInt(2000)},
			BatchId:    batchID,
		}); err != nil {
			t.Fatalf("insert line item %s: %v", sku, err)
		}
	}

	if err := store.MergeFields(ctx, po.Ref(), map[string]any{"notes": "rush"}, batchID); err != nil {
		t.Fatalf("merge: %v", err)
	}
	// Stale version now.
	if err := store.MergeFields(ctx, po.Ref(), map[string]any{"notes": "again"}, batchID); !errors.Is(err, models.ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict, got %v", err)
	}
	if err := store.MergeFields(ctx, po.Ref(), map[string]any{"is_hidden": true}, batchID); !errors.Is(err, models.ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn, got %v", err)
	}

	fresh, err := store.Refresh(ctx, po.Ref())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := store.Hide(ctx, fresh.Ref(), models.HiddenReasonNotInImport, time.Now().UTC()); err != nil {
		t.Fatalf("hide: %v", err)
	}
	n, err := store.HideChildren(ctx, fresh.Ref(), time.Now().UTC())
	if err != nil || n != 2 {
		t.Fatalf("hide children: n=%d err=%v", n, err)
	}

	hidden, _ := store.Refresh(ctx, po.Ref())
	if !hidden.IsHidden || hidden.HiddenReason != models.HiddenReasonNotInImport {
		t.Fatalf("po not hidden: %+v", hidden)
	}
	if err := store.Resurrect(ctx, hidden.Ref(), nil, "batch-2"); err != nil {
		t.Fatalf("resurrect: %v", err)
	}
	n, err = store.ResurrectChildren(ctx, hidden.Ref(), "batch-2")
	if err != nil || n != 2 {
		t.Fatalf("resurrect children: n=%d err=%v", n, err)
	}

	items, err := store.LoadSnapshot(ctx, businessID, models.CollectionLineItems)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, it := range items {
		if it.IsHidden || it.HiddenReason != "" || it.ParentID != po.ID {
			t.Fatalf("unexpected child state: %+v", it)
		}
	}
}

func TestGormStore_ResurrectRefusesOperatorHidden(t *testing.T) {
	db := openIntegrationDB(t)
	ctx := context.Background()
	store := models.NewGormStore(db)
	businessID := uuid.NewString()

	snap, err := store.Insert(ctx, models.NewEntity{
		Collection: models.CollectionMissionaries,
		BusinessId: businessID,
		NaturalKey: "Jane Doe",
		LegacyKey:  "A-17",
		BatchId:    "b1",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Hide(ctx, snap.Ref(), models.HiddenReasonCancelled, time.Now().UTC()); err != nil {
		t.Fatalf("hide: %v", err)
	}
	cur, _ := store.Refresh(ctx, snap.Ref())
	if err := store.Resurrect(ctx, cur.Ref(), nil, "b2"); !errors.Is(err, models.ErrWriteConflict) {
		t.Fatalf("expected guarded resurrect to affect nothing, got %v", err)
	}
	after, _ := store.Refresh(ctx, snap.Ref())
	if !after.IsHidden || after.HiddenReason != models.HiddenReasonCancelled {
		t.Fatalf("cancelled entity changed: %+v", after)
	}
}

func TestGormStore_UpdateCanonicalConcurrentGroups(t *testing.T) {
	db := openIntegrationDB(t)
	ctx := context.Background()
	store := models.NewGormStore(db)
	businessID := uuid.NewString()

	for _, a := range []struct{ name, group string }{
		{"Banbury", "1"}, {"Banbury Ward", "1"}, {"Oxford", "2"}, {"Oxford Branch", "2"},
	} {
		if _, err := store.Insert(ctx, models.NewEntity{
			Collection: models.CollectionMissionAreas,
			BusinessId: businessID,
			NaturalKey: a.name,
			Fields:     map[string]any{"group_key": a.group},
			BatchId:    "seed",
		}); err != nil {
			t.Fatalf("insert %s: %v", a.name, err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, group := range []string{"1", "2", "1", "2"} {
		wg.Add(1)
		go func(group string) {
			defer wg.Done()
			_, err := store.UpdateCanonical(ctx, businessID, group, func(rows []models.MissionArea) (int, bool, error) {
				return rows[0].ID, false, nil
			})
			errs <- err
		}(group)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, models.ErrWriteConflict) {
			t.Fatalf("update canonical: %v", err)
		}
	}

	for _, group := range []string{"1", "2"} {
		rows, err := store.ListAreaGroup(ctx, businessID, group)
		if err != nil {
			t.Fatalf("list group: %v", err)
		}
		canon := 0
		for _, r := range rows {
			if r.IsCanonical {
				canon++
			}
		}
		if canon != 1 {
			t.Fatalf("group %s has %d canonical variants", group, canon)
		}
	}
}

func TestGormStore_GroupMoveClearsCanonical(t *testing.T) {
	db := openIntegrationDB(t)
	ctx := context.Background()
	store := models.NewGormStore(db)
	businessID := uuid.NewString()

	ids := map[string]*models.Snapshot{}
	for _, a := range []struct{ name, group string }{{"Banbury", "1"}, {"Oxford", "2"}} {
		snap, err := store.Insert(ctx, models.NewEntity{
			Collection: models.CollectionMissionAreas,
			BusinessId: businessID,
			NaturalKey: a.name,
			Fields:     map[string]any{"group_key": a.group},
			BatchId:    "seed",
		})
		if err != nil {
			t.Fatalf("insert %s: %v", a.name, err)
		}
		ids[a.name] = snap
		if _, err := store.UpdateCanonical(ctx, businessID, a.group, func(rows []models.MissionArea) (int, bool, error) {
			return rows[0].ID, true, nil
		}); err != nil {
			t.Fatalf("canonical %s: %v", a.group, err)
		}
	}

	banbury, err := store.Refresh(ctx, ids["Banbury"].Ref())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := store.MergeFields(ctx, banbury.Ref(), map[string]any{"group_key": "2"}, "b1"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	rows, err := store.ListAreaGroup(ctx, businessID, "2")
	if err != nil {
		t.Fatalf("list group: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("group 2 has %d variants", len(rows))
	}
	for _, r := range rows {
		if r.IsCanonical != (r.ID == ids["Oxford"].ID) {
			t.Fatalf("unexpected canonical flags: %+v", r)
		}
	}
}

func TestGormStore_RepairCascades(t *testing.T) {
	db := openIntegrationDB(t)
	ctx := context.Background()
	store := models.NewGormStore(db)
	businessID := uuid.NewString()

	insert := func(c models.Collection, key string, parent int) *models.Snapshot {
		t.Helper()
		snap, err := store.Insert(ctx, models.NewEntity{Collection: c, BusinessId: businessID, NaturalKey: key, ParentID: parent, BatchId: "seed"})
		if err != nil {
			t.Fatalf("insert %s: %v", key, err)
		}
		return snap
	}
	gone := insert(models.CollectionPurchaseOrders, "PO100", 0)
	open := insert(models.CollectionPurchaseOrders, "PO200", 0)
	orphaned := insert(models.CollectionLineItems, "BT1", gone.ID)
	stranded := insert(models.CollectionLineItems, "BT2", open.ID)

	// Parent hidden without its cascade, and a cascade left behind a visible parent.
	if err := store.Hide(ctx, gone.Ref(), models.HiddenReasonNotInImport, time.Now().UTC()); err != nil {
		t.Fatalf("hide parent: %v", err)
	}
	if err := store.Hide(ctx, stranded.Ref(), models.HiddenReasonParentHidden, time.Now().UTC()); err != nil {
		t.Fatalf("hide child: %v", err)
	}

	hidden, resurrected, err := store.RepairCascades(ctx, models.CollectionPurchaseOrders, businessID, "b2", time.Now().UTC())
	if err != nil || hidden != 1 || resurrected != 1 {
		t.Fatalf("repair: hidden=%d resurrected=%d err=%v", hidden, resurrected, err)
	}
	if s, _ := store.Refresh(ctx, orphaned.Ref()); !s.IsHidden || s.HiddenReason != models.HiddenReasonParentHidden {
		t.Fatalf("child of hidden parent = %+v", s)
	}
	if s, _ := store.Refresh(ctx, stranded.Ref()); s.IsHidden {
		t.Fatalf("ParentHidden child of visible parent = %+v", s)
	}

	hidden, resurrected, err = store.RepairCascades(ctx, models.CollectionPurchaseOrders, businessID, "b3", time.Now().UTC())
	if err != nil || hidden+resurrected != 0 {
		t.Fatalf("second repair: hidden=%d resurrected=%d err=%v", hidden, resurrected, err)
	}
}
