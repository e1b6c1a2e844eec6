package importer

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mmdatafocus/ops_backend/models"
)

type Options struct {
	// PhoneRegion is the region assumed for phone numbers without a country code.
	PhoneRegion string
}

// Record is a raw row with its position in the source.
type Record struct {
	Number int
	Raw    RawRow
}

// Builder validates raw rows of one collection into Rows.
type Builder struct {
	schema   *Schema
	validate *validator.Validate
	opts     Options
}

func NewBuilder(c models.Collection, opts Options) (*Builder, error) {
	s, err := SchemaFor(c)
	if err != nil {
		return nil, err
	}
	return &Builder{schema: s, validate: validator.New(), opts: opts}, nil
}

func (b *Builder) Schema() *Schema {
	return b.schema
}

// BuildAll validates every record, preserving order.
func (b *Builder) BuildAll(records []Record) []Row {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, b.Build(rec.Number, rec.Raw))
	}
	return rows
}

// Build maps one raw row. Unknown headers are ignored and empty cells are
// dropped so they never overwrite stored values.
func (b *Builder) Build(number int, raw RawRow) Row {
	headers := make([]string, 0, len(raw))
	for h := range raw {
		headers = append(headers, h)
	}
	sort.Strings(headers)

	data := RowData{Fields: make(map[string]any)}
	var fieldErr string
	for _, h := range headers {
		t, ok := b.schema.lookup[NormalizeHeader(h)]
		if !ok {
			continue
		}
		value := stringValue(raw[h])
		if value == "" {
			continue
		}
		switch t.kind {
		case targetNatural:
			if data.NaturalKey == "" {
				data.NaturalKey = value
			}
		case targetLegacy:
			if data.LegacyKey == "" {
				data.LegacyKey = value
			}
		case targetParent:
			if data.ParentKey == "" {
				data.ParentKey = value
			}
		case targetField:
			if _, seen := data.Fields[t.field.Column]; seen || fieldErr != "" {
				continue
			}
			parsed, err := parseValue(t.field.Kind, value, b.opts)
			if err != nil {
				fieldErr = fmt.Sprintf("%s: %v", t.field.Column, err)
				continue
			}
			if t.field.Rule != "" {
				if err := b.validate.Var(parsed, t.field.Rule); err != nil {
					fieldErr = fmt.Sprintf("%s: %q fails %s", t.field.Column, value, t.field.Rule)
					continue
				}
			}
			data.Fields[t.field.Column] = parsed
		}
	}

	if data.NaturalKey == "" && b.schema.ComposeKey != nil {
		data.NaturalKey = b.schema.ComposeKey(func(aliases ...string) string {
			return lookupRaw(raw, aliases...)
		})
	}

	// Keys are read in full before any field error is reported so the row
	// can still shield the entity it names.
	if fieldErr != "" {
		return InvalidRowWithKeys(number, fieldErr, data, raw)
	}
	if err := b.validate.Struct(data); err != nil {
		return InvalidRowWithKeys(number, describeValidation(err), data, raw)
	}
	if b.schema.RequiresParent() && data.ParentKey == "" {
		return InvalidRowWithKeys(number, "parent key is required", data, raw)
	}
	return ValidRow(number, data, raw)
}

func lookupRaw(raw RawRow, aliases ...string) string {
	want := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		want[NormalizeHeader(a)] = true
	}
	headers := make([]string, 0, len(raw))
	for h := range raw {
		headers = append(headers, h)
	}
	sort.Strings(headers)
	for _, h := range headers {
		if want[NormalizeHeader(h)] {
			if v := stringValue(raw[h]); v != "" {
				return v
			}
		}
	}
	return ""
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch {
		case fe.Field() == "NaturalKey" && fe.Tag() == "required":
			msgs = append(msgs, "natural key is required")
		default:
			msgs = append(msgs, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
