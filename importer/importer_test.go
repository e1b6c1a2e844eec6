package importer

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/mmdatafocus/ops_backend/models"
)

func TestNormalizeHeader(t *testing.T) {
	cases := map[string]string{
		"PO #":          "po",
		" Qty Ordered ": "qty_ordered",
		"alumId":        "alumid",
		"e-mail":        "e_mail",
		"Unit Cost ($)": "unit_cost",
		"":              "",
	}
	for in, want := range cases {
		if got := NormalizeHeader(in); got != want {
			t.Fatalf("NormalizeHeader(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestSchemasOnlyTargetImportableColumns(t *testing.T) {
	for _, c := range models.AllCollections() {
		s, err := SchemaFor(c)
		if err != nil {
			t.Fatalf("SchemaFor(%s): %v", c, err)
		}
		if len(s.NaturalKey) == 0 {
			t.Fatalf("%s: no natural key aliases", c)
		}
		for _, f := range s.Fields {
			if !models.IsImportableColumn(c, f.Column) {
				t.Fatalf("%s: column %q is not importable", c, f.Column)
			}
		}
		if s.RequiresParent() != (c.Parent() != "") {
			t.Fatalf("%s: parent requirement mismatch", c)
		}
	}
	if _, err := SchemaFor("users"); !errors.Is(err, models.ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}

func mustBuilder(t *testing.T, c models.Collection) *Builder {
	t.Helper()
	b, err := NewBuilder(c, Options{PhoneRegion: "US"})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	return b
}

func TestBuild_PurchaseOrderDropsEmptyCells(t *testing.T) {
	b := mustBuilder(t, models.CollectionPurchaseOrders)
	row := b.Build(2, RawRow{
		"PO #":       "PO100",
		"Vendor":     " Acme Seeds ",
		"Order Date": "2024-03-01",
		"Notes":      "   ",
		"Whatever":   "ignored",
	})
	if !row.Valid() {
		t.Fatalf("expected valid row, got %q", row.Reason)
	}
	if row.Data.NaturalKey != "PO100" || row.Number != 2 {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.Data.Fields["vendor"] != "Acme Seeds" {
		t.Fatalf("vendor=%v", row.Data.Fields["vendor"])
	}
	if _, ok := row.Data.Fields["notes"]; ok {
		t.Fatalf("blank notes must be dropped")
	}
	if d, ok := row.Data.Fields["order_date"].(time.Time); !ok || !d.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("order_date=%v", row.Data.Fields["order_date"])
	}
	if len(row.Data.Fields) != 2 {
		t.Fatalf("unexpected fields: %v", row.Data.Fields)
	}
}

func TestBuild_LineItemQuantities(t *testing.T) {
	b := mustBuilder(t, models.CollectionLineItems)
	row := b.Build(3, RawRow{"SKU": "BT157", "Qty": "2,000", "PO": "PO100", "Unit Cost": "$1.25"})
	if !row.Valid() {
		t.Fatalf("expected valid row, got %q", row.Reason)
	}
	if row.Data.ParentKey != "PO100" {
		t.Fatalf("parent key=%q", row.Data.ParentKey)
	}
	qty := row.Data.Fields["qty"].(decimal.Decimal)
	if !qty.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("qty=%s", qty)
	}
	cost := row.Data.Fields["unit_cost"].(decimal.Decimal)
	if !cost.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("unit_cost=%s", cost)
	}
}

func TestBuild_InvalidRows(t *testing.T) {
	cases := []struct {
		name       string
		collection models.Collection
		raw        RawRow
		reason     string
	}{
		{"missing natural key", models.CollectionPurchaseOrders, RawRow{"Vendor": "Acme"}, "natural key is required"},
		{"missing parent", models.CollectionLineItems, RawRow{"SKU": "BT157"}, "parent key is required"},
		{"bad qty", models.CollectionLineItems, RawRow{"SKU": "BT157", "PO": "PO1", "Qty": "lots"}, "qty"},
		{"bad email", models.CollectionMissionaries, RawRow{"Name": "Jane Doe", "Email": "not-an-email"}, "email"},
		{"bad year", models.CollectionMissionaries, RawRow{"Name": "Jane Doe", "Start Year": "98"}, "start_year"},
		{"bad phone", models.CollectionMissionaries, RawRow{"Name": "Jane Doe", "Phone": "12"}, "phone"},
		{"bad date", models.CollectionPurchaseOrders, RawRow{"PO #": "PO1", "Order Date": "someday"}, "order_date"},
	}
	for _, tc := range cases {
		row := mustBuilder(t, tc.collection).Build(5, tc.raw)
		if row.Valid() {
			t.Fatalf("%s: expected invalid row", tc.name)
		}
		if !strings.Contains(row.Reason, tc.reason) {
			t.Fatalf("%s: reason %q does not mention %q", tc.name, row.Reason, tc.reason)
		}
		if row.Number != 5 || row.Raw == nil {
			t.Fatalf("%s: invalid row lost its position or payload", tc.name)
		}
	}
}

func TestBuild_InvalidRowKeepsKeys(t *testing.T) {
	// "Order Date" sorts before "PO #", so the key is read after the bad cell.
	row := mustBuilder(t, models.CollectionPurchaseOrders).Build(4, RawRow{"Order Date": "not a date", "PO #": "PO100"})
	if row.Valid() {
		t.Fatalf("expected invalid row")
	}
	if !strings.Contains(row.Reason, "order_date") {
		t.Fatalf("reason=%q", row.Reason)
	}
	if row.Data.NaturalKey != "PO100" {
		t.Fatalf("natural key lost: %+v", row.Data)
	}
	if len(row.Data.Fields) != 0 {
		t.Fatalf("invalid row must not carry fields: %v", row.Data.Fields)
	}

	child := mustBuilder(t, models.CollectionLineItems).Build(5, RawRow{"Qty": "lots", "SKU": "BT157", "PO": "PO100"})
	if child.Valid() || child.Data.NaturalKey != "BT157" || child.Data.ParentKey != "PO100" {
		t.Fatalf("unexpected child row: %+v", child)
	}
}

func TestBuild_MissionaryComposesNameAndNormalizesFields(t *testing.T) {
	b := mustBuilder(t, models.CollectionMissionaries)
	row := b.Build(2, RawRow{
		"First Name": "Jane",
		"Last Name":  "Doe",
		"alumId":     1042.0,
		"Phone":      "(650) 253-0000",
		"Start Year": "1998.0",
		"Email":      "jane@example.org",
	})
	if !row.Valid() {
		t.Fatalf("expected valid row, got %q", row.Reason)
	}
	if row.Data.NaturalKey != "Jane Doe" || row.Data.LegacyKey != "1042" {
		t.Fatalf("unexpected keys: %+v", row.Data)
	}
	if row.Data.Fields["phone"] != "+16502530000" {
		t.Fatalf("phone=%v", row.Data.Fields["phone"])
	}
	if row.Data.Fields["start_year"] != 1998 {
		t.Fatalf("start_year=%v", row.Data.Fields["start_year"])
	}
}

func TestParseDate_ExcelSerial(t *testing.T) {
	got, err := parseDate("45352")
	if err != nil {
		t.Fatalf("parseDate: %v", err)
	}
	if got.Year() != 2024 || got.Month() != time.March || got.Day() != 1 {
		t.Fatalf("serial 45352 parsed as %v", got)
	}
	if _, err := parseDate("03/15/2023"); err != nil {
		t.Fatalf("US layout: %v", err)
	}
}

func TestReadCSV(t *testing.T) {
	src := "\ufeffPO #,Vendor\nPO100,Acme\n,\nPO200,\"Green, Inc\"\n"
	recs, err := ReadCSV(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Number != 2 || recs[0].Raw["PO #"] != "PO100" {
		t.Fatalf("unexpected first record: %+v", recs[0])
	}
	if recs[1].Number != 4 || recs[1].Raw["Vendor"] != "Green, Inc" {
		t.Fatalf("unexpected second record: %+v", recs[1])
	}
}

func TestReadXLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	_ = f.SetSheetRow("Sheet1", "A1", &[]interface{}{"SKU", "PO", "Qty"})
	_ = f.SetSheetRow("Sheet1", "A2", &[]interface{}{"BT157 : Beet", "PO100", 2000})
	_ = f.SetSheetRow("Sheet1", "A4", &[]interface{}{"SP79", "PO100", "12"})
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write xlsx: %v", err)
	}

	recs, err := ReadFile("upload.xlsx", buf.Bytes(), "")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(recs) != 2 || recs[0].Number != 2 || recs[1].Number != 4 {
		t.Fatalf("unexpected records: %+v", recs)
	}

	rows := mustBuilder(t, models.CollectionLineItems).BuildAll(recs)
	for _, r := range rows {
		if !r.Valid() {
			t.Fatalf("row %d invalid: %s", r.Number, r.Reason)
		}
	}
	if rows[0].Data.NaturalKey != "BT157 : Beet" {
		t.Fatalf("natural key=%q", rows[0].Data.NaturalKey)
	}
}

func TestReadFile_Errors(t *testing.T) {
	if _, err := ReadFile("dump.sql", []byte("x"), ""); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := ReadCSV(bytes.NewReader(nil)); !errors.Is(err, ErrNoHeader) {
		t.Fatalf("expected ErrNoHeader, got %v", err)
	}
}

func TestRecordsFromMaps(t *testing.T) {
	recs := RecordsFromMaps([]map[string]any{{"sku": "A"}, {"sku": "B"}})
	if len(recs) != 2 || recs[1].Number != 2 {
		t.Fatalf("unexpected records: %+v", recs)
	}
}
