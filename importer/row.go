// Package importer turns loosely typed spreadsheet rows into validated rows
// the reconciliation engine can trust.
package importer

import (
	"fmt"
	"strconv"
	"strings"
)

// RawRow is one source row keyed by header, exactly as read.
type RawRow map[string]any

type RowKind int

const (
	RowInvalid RowKind = iota
	RowValid
)

func (k RowKind) String() string {
	if k == RowValid {
		return "valid"
	}
	return "invalid"
}

// RowData is the validated payload of a row. Fields only carries non-empty
// values, keyed by column name.
type RowData struct {
	NaturalKey string `validate:"required,max=255"`
	LegacyKey  string `validate:"omitempty,max=128"`
	ParentKey  string `validate:"omitempty,max=255"`
	Fields     map[string]any
}

// Row is either valid (Data set) or invalid (Reason set, Data holding at
// most the keys). Number is the 1-based position in the source, counting
// the header line.
type Row struct {
	Kind   RowKind
	Number int
	Data   RowData
	Reason string
	Raw    RawRow
}

func ValidRow(number int, data RowData, raw RawRow) Row {
	return Row{Kind: RowValid, Number: number, Data: data, Raw: raw}
}

func InvalidRow(number int, reason string, raw RawRow) Row {
	return Row{Kind: RowInvalid, Number: number, Reason: reason, Raw: raw}
}

// InvalidRowWithKeys is an invalid row whose keys could still be read. The
// keys only keep the entity it names from being hidden by absence; Fields is
// always empty.
func InvalidRowWithKeys(number int, reason string, data RowData, raw RawRow) Row {
	return Row{
		Kind:   RowInvalid,
		Number: number,
		Data:   RowData{NaturalKey: data.NaturalKey, LegacyKey: data.LegacyKey, ParentKey: data.ParentKey},
		Reason: reason,
		Raw:    raw,
	}
}

func (r Row) Valid() bool {
	return r.Kind == RowValid
}

// stringValue renders a raw cell as trimmed text; "" means empty.
func stringValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return strings.TrimSpace(x.String())
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
