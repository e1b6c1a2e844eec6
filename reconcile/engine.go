// Package reconcile compares an import batch with the persisted snapshot of a
// collection and decides what to create, update, hide and resurrect.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mmdatafocus/ops_backend/importer"
	"github.com/mmdatafocus/ops_backend/keynorm"
	"github.com/mmdatafocus/ops_backend/matcher"
	"github.com/mmdatafocus/ops_backend/models"
)

// Batch is one import of a collection from one source.
type Batch struct {
	Id         string
	BusinessId string
	Collection models.Collection
	SourceId   string
	// IsFullSnapshot must be declared: true hides everything the batch does
	// not mention, false never hides.
	IsFullSnapshot *bool
	ImportedAt     time.Time
	Rows           []importer.Row
	// Parents is the snapshot of the parent collection for child collections.
	Parents []*models.Snapshot
}

type Options struct {
	Workers int
	Match   matcher.Options
}

type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Engine{opts: opts}
}

// outcome is the read-only result of matching one row. shield lists the
// entities a row names without settling on one of them; a full snapshot
// must not hide those.
type outcome struct {
	parentID int
	result   matcher.Result
	invalid  string
	ambig    *AmbiguousMatchError
	shield   []int
}

// Reconcile produces the Diff for batch against existing (hidden entities
// included). Only a ConfigurationError or context cancellation fails it;
// problems with individual rows land in the Diff.
func (e *Engine) Reconcile(ctx context.Context, batch Batch, existing []*models.Snapshot) (*Diff, error) {
	if batch.IsFullSnapshot == nil {
		return nil, &ConfigurationError{Field: "is_full_snapshot", Message: "batch must declare whether it is a full snapshot"}
	}
	if !batch.Collection.IsValid() {
		return nil, &ConfigurationError{Field: "collection", Message: fmt.Sprintf("unknown collection %q", batch.Collection)}
	}
	if batch.Id == "" {
		return nil, &ConfigurationError{Field: "batch_id", Message: "required"}
	}

	idx := matcher.NewIndex(batch.Collection, existing, e.opts.Match)
	var parents *matcher.Index
	if parent := batch.Collection.Parent(); parent != "" {
		parents = matcher.NewIndex(parent, batch.Parents, matcher.Options{})
	}

	outcomes := make([]outcome, len(batch.Rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i := range batch.Rows {
		i := i
		row := batch.Rows[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if !row.Valid() {
				outcomes[i] = outcome{shield: shieldIDs(idx, parents, row.Data)}
				return nil
			}
			outcomes[i] = matchRow(idx, parents, row)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return classify(batch, existing, outcomes), nil
}

func matchRow(idx, parents *matcher.Index, row importer.Row) outcome {
	var out outcome
	if parents != nil {
		pr := parents.Match(matcher.Query{NaturalKey: row.Data.ParentKey})
		switch {
		case pr.IsAmbiguous():
			out.ambig = &AmbiguousMatchError{
				RowNumber:  row.Number,
				Key:        row.Data.ParentKey,
				MatchedBy:  pr.MatchedBy,
				Candidates: snapshotIDs(pr.Ambiguous),
				Detail:     "parent reference is ambiguous",
			}
			out.shield = shieldIDs(idx, parents, row.Data)
			return out
		case !pr.Found():
			out.invalid = fmt.Sprintf("unknown parent %q", row.Data.ParentKey)
			return out
		}
		out.parentID = pr.Entity.ID
		if pr.Entity.IsHidden {
			// Existing children still match below; only creates are refused.
			r := idx.Match(matcher.Query{NaturalKey: row.Data.NaturalKey, LegacyKey: row.Data.LegacyKey, ParentID: out.parentID})
			if !r.Found() && !r.IsAmbiguous() {
				out.invalid = fmt.Sprintf("parent %q is hidden", row.Data.ParentKey)
				return out
			}
			out.result = r
			return out
		}
	}
	out.result = idx.Match(matcher.Query{NaturalKey: row.Data.NaturalKey, LegacyKey: row.Data.LegacyKey, ParentID: out.parentID})
	if out.result.IsAmbiguous() {
		out.ambig = &AmbiguousMatchError{
			RowNumber:  row.Number,
			Key:        row.Data.NaturalKey,
			MatchedBy:  out.result.MatchedBy,
			Candidates: snapshotIDs(out.result.Ambiguous),
		}
		out.shield = out.ambig.Candidates
	}
	return out
}

// shieldIDs resolves the keys of a row that cannot be applied to every
// entity they could name, under every parent the parent key could name.
func shieldIDs(idx, parents *matcher.Index, data importer.RowData) []int {
	parentIDs := []int{0}
	if parents != nil {
		pr := parents.Match(matcher.Query{NaturalKey: data.ParentKey})
		switch {
		case pr.Found():
			parentIDs = []int{pr.Entity.ID}
		case pr.IsAmbiguous():
			parentIDs = snapshotIDs(pr.Ambiguous)
		default:
			return nil
		}
	}
	var ids []int
	for _, pid := range parentIDs {
		r := idx.Match(matcher.Query{NaturalKey: data.NaturalKey, LegacyKey: data.LegacyKey, ParentID: pid})
		if r.Found() {
			ids = append(ids, r.Entity.ID)
		}
		ids = append(ids, snapshotIDs(r.Ambiguous)...)
	}
	return ids
}

// classify walks rows in source order so merges are deterministic.
func classify(batch Batch, existing []*models.Snapshot, outcomes []outcome) *Diff {
	diff := &Diff{}
	referenced := make(map[int]bool)

	creates := make(map[string]int)
	createsByLegacy := make(map[string]int)
	updates := make(map[int]int)
	resurrects := make(map[int]int)

	for i, row := range batch.Rows {
		out := outcomes[i]
		for _, id := range out.shield {
			referenced[id] = true
		}
		if !row.Valid() {
			diff.Invalid = append(diff.Invalid, Invalid{Row: row, Reason: row.Reason})
			continue
		}
		switch {
		case out.invalid != "":
			diff.Invalid = append(diff.Invalid, Invalid{Row: row, Reason: out.invalid})

		case out.ambig != nil:
			diff.Ambiguous = append(diff.Ambiguous, Ambiguous{Row: row, Err: out.ambig})

		case !out.result.Found():
			key := fmt.Sprintf("%d|%s", out.parentID, batch.Collection.NormalizeNaturalKey(row.Data.NaturalKey))
			legacy := keynorm.NormalizeLegacy(row.Data.LegacyKey)
			pos, ok := creates[key]
			if !ok && legacy != "" {
				pos, ok = createsByLegacy[legacy]
			}
			if ok {
				c := &diff.ToCreate[pos]
				mergeFields(c.Entity.Fields, row.Data.Fields)
				if c.Entity.LegacyKey == "" {
					c.Entity.LegacyKey = row.Data.LegacyKey
				}
				c.Rows = append(c.Rows, row.Number)
			} else {
				pos = len(diff.ToCreate)
				diff.ToCreate = append(diff.ToCreate, Create{
					Entity: models.NewEntity{
						Collection: batch.Collection,
						BusinessId: batch.BusinessId,
						NaturalKey: row.Data.NaturalKey,
						LegacyKey:  row.Data.LegacyKey,
						ParentID:   out.parentID,
						Fields:     copyFields(row.Data.Fields),
						BatchId:    batch.Id,
					},
					Rows: []int{row.Number},
				})
			}
			creates[key] = pos
			if legacy != "" {
				if _, taken := createsByLegacy[legacy]; !taken {
					createsByLegacy[legacy] = pos
				}
			}

		default:
			ent := out.result.Entity
			referenced[ent.ID] = true
			switch {
			case !ent.IsHidden:
				diff.ToUpdate = upsertUpdate(diff.ToUpdate, updates, ent, out.result.MatchedBy, row)
			case ent.HiddenReason.Resurrectable():
				diff.ToResurrect = upsertUpdate(diff.ToResurrect, resurrects, ent, out.result.MatchedBy, row)
			default:
				diff.KeptHidden = append(diff.KeptHidden, KeptHidden{Row: row, Entity: ent})
			}
		}
	}

	if *batch.IsFullSnapshot {
		for _, ent := range existing {
			if ent.IsHidden || referenced[ent.ID] {
				continue
			}
			diff.ToHide = append(diff.ToHide, Hide{Entity: ent, Reason: models.HiddenReasonNotInImport})
		}
		sort.SliceStable(diff.ToHide, func(i, j int) bool { return diff.ToHide[i].Entity.ID < diff.ToHide[j].Entity.ID })
	}
	return diff
}

// upsertUpdate folds several rows hitting the same entity into one update.
func upsertUpdate(list []Update, pos map[int]int, ent *models.Snapshot, by matcher.Strategy, row importer.Row) []Update {
	if i, ok := pos[ent.ID]; ok {
		mergeFields(list[i].Fields, row.Data.Fields)
		list[i].Rows = append(list[i].Rows, row.Number)
		return list
	}
	pos[ent.ID] = len(list)
	return append(list, Update{
		Entity:    ent,
		MatchedBy: by,
		Fields:    copyFields(row.Data.Fields),
		Rows:      []int{row.Number},
	})
}

// mergeFields copies non-empty values from src; later rows win.
func mergeFields(dst, src map[string]any) {
	for k, v := range src {
		if isEmptyValue(v) {
			continue
		}
		dst[k] = v
	}
}

func copyFields(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	mergeFields(dst, src)
	return dst
}

func isEmptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return keynorm.Normalize(x).Empty()
	}
	return false
}

func snapshotIDs(in []*models.Snapshot) []int {
	ids := make([]int, 0, len(in))
	for _, s := range in {
		ids = append(ids, s.ID)
	}
	return ids
}
