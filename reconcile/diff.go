package reconcile

import (
	"github.com/mmdatafocus/ops_backend/importer"
	"github.com/mmdatafocus/ops_backend/matcher"
	"github.com/mmdatafocus/ops_backend/models"
)

// Create is one entity to insert. Rows lists every source row merged into it.
type Create struct {
	Entity models.NewEntity
	Rows   []int
}

// Update merges Fields into an existing entity. The same shape is used for
// resurrections, which also clear the hidden state.
type Update struct {
	Entity    *models.Snapshot
	MatchedBy matcher.Strategy
	Fields    map[string]any
	Rows      []int
}

type Hide struct {
	Entity *models.Snapshot
	Reason models.HiddenReason
}

type Ambiguous struct {
	Row importer.Row
	Err *AmbiguousMatchError
}

// KeptHidden is a row that referenced an entity hidden for a reason imports
// may not undo. Nothing is written for it.
type KeptHidden struct {
	Row    importer.Row
	Entity *models.Snapshot
}

type Invalid struct {
	Row    importer.Row
	Reason string
}

// Diff is the full set of changes one batch implies.
type Diff struct {
	ToCreate    []Create
	ToUpdate    []Update
	ToHide      []Hide
	ToResurrect []Update
	Ambiguous   []Ambiguous
	Invalid     []Invalid
	KeptHidden  []KeptHidden
}

type Counts struct {
	Create     int `json:"create"`
	Update     int `json:"update"`
	Hide       int `json:"hide"`
	Resurrect  int `json:"resurrect"`
	Ambiguous  int `json:"ambiguous"`
	Invalid    int `json:"invalid"`
	KeptHidden int `json:"kept_hidden"`
}

func (d *Diff) Counts() Counts {
	return Counts{
		Create:     len(d.ToCreate),
		Update:     len(d.ToUpdate),
		Hide:       len(d.ToHide),
		Resurrect:  len(d.ToResurrect),
		Ambiguous:  len(d.Ambiguous),
		Invalid:    len(d.Invalid),
		KeptHidden: len(d.KeptHidden),
	}
}

// Empty reports whether applying d would write nothing.
func (d *Diff) Empty() bool {
	return len(d.ToCreate) == 0 && len(d.ToUpdate) == 0 && len(d.ToHide) == 0 && len(d.ToResurrect) == 0
}
