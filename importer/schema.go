package importer

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mmdatafocus/ops_backend/models"
)

type FieldKind int

const (
	KindString FieldKind = iota
	KindDecimal
	KindInt
	KindDate
	KindPhone
	KindBool
)

// Field maps source headers onto one column. Rule is a validator tag applied
// to the parsed value.
type Field struct {
	Column  string
	Kind    FieldKind
	Aliases []string
	Rule    string
}

// Schema describes how rows of one collection are read.
type Schema struct {
	Collection models.Collection
	NaturalKey []string
	LegacyKey  []string
	ParentKey  []string
	Fields     []Field
	// ComposeKey builds the natural key from other headers when no natural
	// key column is present (e.g. first + last name).
	ComposeKey func(get func(aliases ...string) string) string

	lookup map[string]target
}

type targetKind int

const (
	targetNatural targetKind = iota + 1
	targetLegacy
	targetParent
	targetField
)

type target struct {
	kind  targetKind
	field *Field
}

var schemas = map[models.Collection]*Schema{
	models.CollectionPurchaseOrders: {
		Collection: models.CollectionPurchaseOrders,
		NaturalKey: []string{"po_number", "PO #", "po_no", "po", "order_number", "purchase_order"},
		LegacyKey:  []string{"legacy_po_id", "po_id", "legacy_id"},
		Fields: []Field{
			{Column: "vendor", Kind: KindString, Aliases: []string{"vendor", "supplier", "vendor_name"}, Rule: "max=255"},
			{Column: "po_type", Kind: KindString, Aliases: []string{"po_type", "type", "category"}, Rule: "max=64"},
			{Column: "order_date", Kind: KindDate, Aliases: []string{"order_date", "date", "ordered"}},
			{Column: "expected_date", Kind: KindDate, Aliases: []string{"expected_date", "due_date", "eta"}},
			{Column: "status", Kind: KindString, Aliases: []string{"status"}, Rule: "max=32"},
			{Column: "notes", Kind: KindString, Aliases: []string{"notes", "comments", "memo"}},
		},
	},
	models.CollectionLineItems: {
		Collection: models.CollectionLineItems,
		NaturalKey: []string{"sku", "item", "item_code", "code", "product"},
		LegacyKey:  []string{"legacy_line_id", "line_id"},
		ParentKey:  []string{"po_number", "PO #", "po_no", "po", "purchase_order"},
		Fields: []Field{
			{Column: "description", Kind: KindString, Aliases: []string{"description", "desc", "item_description"}},
			{Column: "qty", Kind: KindDecimal, Aliases: []string{"qty", "quantity", "qty_ordered", "ordered_qty"}},
			{Column: "received_qty", Kind: KindDecimal, Aliases: []string{"received_qty", "qty_received", "received"}},
			{Column: "unit_cost", Kind: KindDecimal, Aliases: []string{"unit_cost", "cost", "price", "unit_price"}},
		},
	},
	models.CollectionMissionAreas: {
		Collection: models.CollectionMissionAreas,
		NaturalKey: []string{"area_name", "area", "name"},
		LegacyKey:  []string{"area_id", "a_id"},
		Fields: []Field{
			{Column: "mission", Kind: KindString, Aliases: []string{"mission", "mission_name"}, Rule: "max=255"},
			{Column: "country", Kind: KindString, Aliases: []string{"country"}, Rule: "max=100"},
			{Column: "group_key", Kind: KindString, Aliases: []string{"group_key", "group", "area_group"}, Rule: "max=64"},
		},
	},
	models.CollectionMissionaries: {
		Collection: models.CollectionMissionaries,
		NaturalKey: []string{"full_name", "name", "missionary"},
		LegacyKey:  []string{"alumId", "alum_id", "alumni_id"},
		Fields: []Field{
			{Column: "mission", Kind: KindString, Aliases: []string{"mission", "mission_name"}, Rule: "max=255"},
			{Column: "area_name", Kind: KindString, Aliases: []string{"area_name", "area"}, Rule: "max=255"},
			{Column: "email", Kind: KindString, Aliases: []string{"email", "e_mail", "email_address"}, Rule: "email"},
			{Column: "phone", Kind: KindPhone, Aliases: []string{"phone", "phone_number", "mobile", "cell"}},
			{Column: "start_year", Kind: KindInt, Aliases: []string{"start_year", "year_start", "from"}, Rule: "gte=1900,lte=2100"},
			{Column: "end_year", Kind: KindInt, Aliases: []string{"end_year", "year_end", "to"}, Rule: "gte=1900,lte=2100"},
			{Column: "notes", Kind: KindString, Aliases: []string{"notes", "comments"}},
		},
		ComposeKey: func(get func(aliases ...string) string) string {
			first := get("first_name", "first", "given_name")
			last := get("last_name", "last", "surname")
			return strings.TrimSpace(first + " " + last)
		},
	},
}

func init() {
	for _, s := range schemas {
		s.buildLookup()
	}
}

// SchemaFor returns the import schema of c.
func SchemaFor(c models.Collection) (*Schema, error) {
	s, ok := schemas[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownCollection, c)
	}
	return s, nil
}

func (s *Schema) buildLookup() {
	s.lookup = make(map[string]target)
	add := func(alias string, t target) {
		key := NormalizeHeader(alias)
		if _, taken := s.lookup[key]; !taken {
			s.lookup[key] = t
		}
	}
	for _, a := range s.NaturalKey {
		add(a, target{kind: targetNatural})
	}
	for _, a := range s.LegacyKey {
		add(a, target{kind: targetLegacy})
	}
	for _, a := range s.ParentKey {
		add(a, target{kind: targetParent})
	}
	for i := range s.Fields {
		f := &s.Fields[i]
		add(f.Column, target{kind: targetField, field: f})
		for _, a := range f.Aliases {
			add(a, target{kind: targetField, field: f})
		}
	}
}

// RequiresParent reports whether rows must name a parent entity.
func (s *Schema) RequiresParent() bool {
	return len(s.ParentKey) > 0
}

// NormalizeHeader folds a header for alias lookup: "PO #" -> "po",
// "Qty Ordered" -> "qty_ordered", "alumId" -> "alumid".
func NormalizeHeader(h string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.TrimSpace(h) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		pendingSep = true
	}
	return b.String()
}
