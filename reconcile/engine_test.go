package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/ops_backend/importer"
	"github.com/mmdatafocus/ops_backend/matcher"
	"github.com/mmdatafocus/ops_backend/models"
)

func boolPtr(b bool) *bool { return &b }

func row(n int, natural string, fields map[string]any) importer.Row {
	if fields == nil {
		fields = map[string]any{}
	}
	return importer.ValidRow(n, importer.RowData{NaturalKey: natural, Fields: fields}, nil)
}

func childRow(n int, parent, natural string, fields map[string]any) importer.Row {
	r := row(n, natural, fields)
	r.Data.ParentKey = parent
	return r
}

func poBatch(full *bool, rows ...importer.Row) Batch {
	return Batch{
		Id:             "batch-1",
		BusinessId:     "biz",
		Collection:     models.CollectionPurchaseOrders,
		SourceId:       "legacy",
		IsFullSnapshot: full,
		Rows:           rows,
	}
}

func visible(id int, natural string) *models.Snapshot {
	return &models.Snapshot{ID: id, Collection: models.CollectionPurchaseOrders, BusinessId: "biz", NaturalKey: natural}
}

func hidden(id int, natural string, reason models.HiddenReason) *models.Snapshot {
	s := visible(id, natural)
	s.IsHidden = true
	s.HiddenReason = reason
	return s
}

func reconcile(t *testing.T, b Batch, existing ...*models.Snapshot) *Diff {
	t.Helper()
	d, err := NewEngine(Options{Workers: 4}).Reconcile(context.Background(), b, existing)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	return d
}

func TestReconcile_UndeclaredSnapshotIsConfigurationError(t *testing.T) {
	d, err := NewEngine(Options{}).Reconcile(context.Background(), poBatch(nil, row(2, "PO1", nil)), []*models.Snapshot{visible(1, "PO9")})
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) || d != nil {
		t.Fatalf("expected ConfigurationError and no diff, got %v / %+v", err, d)
	}
}

func TestReconcile_UnknownCollectionIsConfigurationError(t *testing.T) {
	b := poBatch(boolPtr(false))
	b.Collection = "widgets"
	_, err := NewEngine(Options{}).Reconcile(context.Background(), b, nil)
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestReconcile_CreateIntoEmptyCollection(t *testing.T) {
	po := visible(7, "PO100")
	b := Batch{
		Id:             "batch-1",
		BusinessId:     "biz",
		Collection:     models.CollectionLineItems,
		IsFullSnapshot: boolPtr(false),
		Rows:           []importer.Row{childRow(2, "PO100", "BT157", map[string]any{"qty": decimal.NewFromInt(2000)})},
		Parents:        []*models.Snapshot{po},
	}
	d := reconcile(t, b)
	if len(d.ToCreate) != 1 || len(d.ToUpdate) != 0 || len(d.ToHide) != 0 {
		t.Fatalf("unexpected diff: %+v", d.Counts())
	}
	c := d.ToCreate[0]
	if c.Entity.NaturalKey != "BT157" || c.Entity.ParentID != 7 || c.Entity.BatchId != "batch-1" {
		t.Fatalf("unexpected create: %+v", c.Entity)
	}
	if !c.Entity.Fields["qty"].(decimal.Decimal).Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("qty=%v", c.Entity.Fields["qty"])
	}
}

func TestReconcile_FullSnapshotHidesAbsent(t *testing.T) {
	d := reconcile(t, poBatch(boolPtr(true), row(2, "PO200", nil)),
		visible(1, "PO100"), visible(2, "PO200"), hidden(3, "PO300", models.HiddenReasonCancelled))
	if len(d.ToHide) != 1 || d.ToHide[0].Entity.ID != 1 || d.ToHide[0].Reason != models.HiddenReasonNotInImport {
		t.Fatalf("expected PO100 hidden NotInImport, got %+v", d.ToHide)
	}
	if len(d.ToUpdate) != 1 || d.ToUpdate[0].Entity.ID != 2 {
		t.Fatalf("expected PO200 update, got %+v", d.ToUpdate)
	}
}

func TestReconcile_PartialBatchNeverHides(t *testing.T) {
	d := reconcile(t, poBatch(boolPtr(false), row(2, "PO200", nil)), visible(1, "PO100"), visible(2, "PO200"))
	if len(d.ToHide) != 0 {
		t.Fatalf("partial batch hid %+v", d.ToHide)
	}
}

func TestReconcile_ResurrectsOnlyImportHidden(t *testing.T) {
	d := reconcile(t, poBatch(boolPtr(true), row(2, "PO1", nil), row(3, "PO2", nil), row(4, "PO3", nil)),
		hidden(1, "PO1", models.HiddenReasonNotInImport),
		hidden(2, "PO2", models.HiddenReasonCancelled),
		hidden(3, "PO3", models.HiddenReasonManuallyHidden),
	)
	if len(d.ToResurrect) != 1 || d.ToResurrect[0].Entity.ID != 1 {
		t.Fatalf("expected only PO1 resurrected, got %+v", d.ToResurrect)
	}
	if len(d.KeptHidden) != 2 {
		t.Fatalf("expected 2 kept hidden, got %+v", d.KeptHidden)
	}
	if len(d.ToHide) != 0 || len(d.ToCreate) != 0 || len(d.ToUpdate) != 0 {
		t.Fatalf("unexpected writes: %+v", d.Counts())
	}
}

func TestReconcile_InvalidRowsAreReported(t *testing.T) {
	bad := importer.InvalidRow(3, "natural key is required", importer.RawRow{"vendor": "x"})
	d := reconcile(t, poBatch(boolPtr(false), row(2, "PO1", nil), bad))
	if len(d.Invalid) != 1 || d.Invalid[0].Row.Number != 3 || d.Invalid[0].Reason == "" {
		t.Fatalf("unexpected invalid: %+v", d.Invalid)
	}
	if len(d.ToCreate) != 1 {
		t.Fatalf("valid row must still be created")
	}
}

func TestReconcile_AmbiguousRowsShieldCandidatesFromHiding(t *testing.T) {
	b := poBatch(boolPtr(true), row(2, "PO100", nil))
	d := reconcile(t, b, visible(1, "PO100"), visible(2, "po100"), visible(3, "PO999"))
	if len(d.Ambiguous) != 1 {
		t.Fatalf("expected one ambiguous row, got %+v", d.Ambiguous)
	}
	amb := d.Ambiguous[0].Err
	if amb.RowNumber != 2 || amb.MatchedBy != matcher.StrategyNaturalKey || len(amb.Candidates) != 2 {
		t.Fatalf("unexpected ambiguity: %+v", amb)
	}
	if len(d.ToHide) != 1 || d.ToHide[0].Entity.ID != 3 {
		t.Fatalf("only PO999 may be hidden, got %+v", d.ToHide)
	}
}

func TestReconcile_DuplicateRowsCreateOnce(t *testing.T) {
	d := reconcile(t, poBatch(boolPtr(false),
		row(2, "PO500", map[string]any{"vendor": "Acme", "notes": "first"}),
		row(3, "po500", map[string]any{"notes": "second", "vendor": ""}),
	))
	if len(d.ToCreate) != 1 {
		t.Fatalf("expected one create, got %d", len(d.ToCreate))
	}
	c := d.ToCreate[0]
	if c.Entity.Fields["vendor"] != "Acme" || c.Entity.Fields["notes"] != "second" {
		t.Fatalf("unexpected merged fields: %v", c.Entity.Fields)
	}
	if len(c.Rows) != 2 || c.Rows[0] != 2 || c.Rows[1] != 3 {
		t.Fatalf("rows=%v", c.Rows)
	}
}

func TestReconcile_DuplicateLegacyRowsCreateOnce(t *testing.T) {
	a := row(2, "Jane Doe", nil)
	a.Data.LegacyKey = "1017"
	b := row(3, "Jane M. Doe", map[string]any{"email": "jane@example.org"})
	b.Data.LegacyKey = "1017.0"
	batch := Batch{Id: "b", BusinessId: "biz", Collection: models.CollectionMissionaries, IsFullSnapshot: boolPtr(false), Rows: []importer.Row{a, b}}
	d := reconcile(t, batch)
	if len(d.ToCreate) != 1 || d.ToCreate[0].Entity.Fields["email"] != "jane@example.org" {
		t.Fatalf("expected a single merged create, got %+v", d.ToCreate)
	}
}

func TestReconcile_UpdatesCarryOnlyNonEmptyFields(t *testing.T) {
	d := reconcile(t, poBatch(boolPtr(false),
		row(2, "PO1", map[string]any{"vendor": "Acme", "notes": "  "}),
		row(3, "PO1", map[string]any{"status": "Open"}),
	), visible(1, "PO1"))
	if len(d.ToUpdate) != 1 {
		t.Fatalf("expected one update, got %d", len(d.ToUpdate))
	}
	f := d.ToUpdate[0].Fields
	if _, ok := f["notes"]; ok {
		t.Fatalf("blank notes must not be written")
	}
	if f["vendor"] != "Acme" || f["status"] != "Open" || len(f) != 2 {
		t.Fatalf("fields=%v", f)
	}
	if d.ToUpdate[0].MatchedBy != matcher.StrategyNaturalKey {
		t.Fatalf("matched by %s", d.ToUpdate[0].MatchedBy)
	}
}

func TestReconcile_ChildRowsResolveParents(t *testing.T) {
	openPO := visible(1, "PO100")
	closedPO := hidden(2, "PO200", models.HiddenReasonCompleted)
	orphan := &models.Snapshot{ID: 30, Collection: models.CollectionLineItems, NaturalKey: "SP79", ParentID: 2,
		IsHidden: true, HiddenReason: models.HiddenReasonParentHidden}
	b := Batch{
		Id:             "b",
		BusinessId:     "biz",
		Collection:     models.CollectionLineItems,
		IsFullSnapshot: boolPtr(false),
		Parents:        []*models.Snapshot{openPO, closedPO},
		Rows: []importer.Row{
			childRow(2, "PO100", "BT157", nil),
			childRow(3, "PO404", "BT157", nil),
			childRow(4, "PO200", "HG12", nil),
			childRow(5, "po200", "SP79 : Sweet Pea", nil),
		},
	}
	d := reconcile(t, b, orphan)
	if len(d.ToCreate) != 1 || d.ToCreate[0].Entity.ParentID != 1 {
		t.Fatalf("expected one create under PO100, got %+v", d.ToCreate)
	}
	if len(d.Invalid) != 2 {
		t.Fatalf("expected unknown and hidden parents invalid, got %+v", d.Invalid)
	}
	if len(d.ToResurrect) != 1 || d.ToResurrect[0].Entity.ID != 30 || d.ToResurrect[0].MatchedBy != matcher.StrategyPrefixPattern {
		t.Fatalf("expected SP79 proposed for resurrection, got %+v", d.ToResurrect)
	}
}

func TestReconcile_AmbiguousParentShieldsOnlyCandidateChildren(t *testing.T) {
	// Child 1 shares its id with one of the tied parents but lives under PO8.
	other := &models.Snapshot{ID: 1, Collection: models.CollectionLineItems, BusinessId: "biz", NaturalKey: "SP1", ParentID: 3}
	underTied := &models.Snapshot{ID: 5, Collection: models.CollectionLineItems, BusinessId: "biz", NaturalKey: "SP1", ParentID: 2}
	b := Batch{
		Id:             "b",
		BusinessId:     "biz",
		Collection:     models.CollectionLineItems,
		IsFullSnapshot: boolPtr(true),
		Parents:        []*models.Snapshot{visible(1, "PO7"), visible(2, "po7"), visible(3, "PO8")},
		Rows:           []importer.Row{childRow(2, "PO7", "SP1", nil)},
	}
	d := reconcile(t, b, other, underTied)
	if len(d.Ambiguous) != 1 || d.Ambiguous[0].Err.Detail == "" {
		t.Fatalf("expected ambiguous parent reference, got %+v", d.Ambiguous)
	}
	if len(d.ToHide) != 1 || d.ToHide[0].Entity.ID != 1 {
		t.Fatalf("expected only child 1 hidden, got %+v", d.ToHide)
	}
}

func TestReconcile_InvalidRowShieldsTheEntityItNames(t *testing.T) {
	bad := importer.InvalidRowWithKeys(2, "order_date: not a date", importer.RowData{NaturalKey: "PO100"}, nil)
	d := reconcile(t, poBatch(boolPtr(true), bad), visible(1, "PO100"), visible(2, "PO200"))
	if len(d.Invalid) != 1 || d.Invalid[0].Row.Number != 2 {
		t.Fatalf("unexpected invalid: %+v", d.Invalid)
	}
	if len(d.ToHide) != 1 || d.ToHide[0].Entity.ID != 2 {
		t.Fatalf("PO100 was named by an invalid row and must stay, got %+v", d.ToHide)
	}
	if len(d.ToUpdate)+len(d.ToCreate) != 0 {
		t.Fatalf("invalid row must not be applied: %+v", d)
	}
}

func TestReconcile_InvalidChildRowShieldsUnderItsParent(t *testing.T) {
	item := &models.Snapshot{ID: 10, Collection: models.CollectionLineItems, BusinessId: "biz", NaturalKey: "BT157", ParentID: 1}
	gone := &models.Snapshot{ID: 11, Collection: models.CollectionLineItems, BusinessId: "biz", NaturalKey: "HG12", ParentID: 1}
	bad := importer.InvalidRowWithKeys(2, "qty: not a number", importer.RowData{NaturalKey: "BT157", ParentKey: "PO100"}, nil)
	b := Batch{
		Id:             "b",
		BusinessId:     "biz",
		Collection:     models.CollectionLineItems,
		IsFullSnapshot: boolPtr(true),
		Parents:        []*models.Snapshot{visible(1, "PO100")},
		Rows:           []importer.Row{bad},
	}
	d := reconcile(t, b, item, gone)
	if len(d.ToHide) != 1 || d.ToHide[0].Entity.ID != 11 {
		t.Fatalf("expected only HG12 hidden, got %+v", d.ToHide)
	}
}

func TestReconcile_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(Options{Workers: 2}).Reconcile(ctx, poBatch(boolPtr(false), row(2, "PO1", nil)), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAmbiguousMatchErrorMessage(t *testing.T) {
	err := &AmbiguousMatchError{RowNumber: 4, Key: "BT157", MatchedBy: matcher.StrategyPrefixPattern, Candidates: []int{3, 9}}
	if got := err.Error(); got != `row 4: "BT157" matches 2 candidates by prefix_pattern [3,9]` {
		t.Fatalf("Error()=%q", got)
	}
}
