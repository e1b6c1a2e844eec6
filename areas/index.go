// Package areas maintains the canonical spelling of mission areas. Variants of
// one real area share a group key and at most one of them is canonical.
package areas

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/mmdatafocus/ops_backend/config"
	"github.com/mmdatafocus/ops_backend/keynorm"
	"github.com/mmdatafocus/ops_backend/models"
)

var (
	ErrEmptyGroupKey     = errors.New("group key is required")
	ErrGroupNotFound     = errors.New("area group not found")
	ErrVariantNotInGroup = errors.New("variant is not part of the group")
	ErrVariantHidden     = errors.New("hidden variant cannot be canonical")
	ErrNoCandidate       = errors.New("group has no visible variant")
)

type Store interface {
	ListAreaVariants(ctx context.Context, businessId string) ([]models.MissionArea, error)
	ListAreaGroup(ctx context.Context, businessId, groupKey string) ([]models.MissionArea, error)
	UpdateCanonical(ctx context.Context, businessId, groupKey string, pick func(group []models.MissionArea) (int, bool, error)) (*models.MissionArea, error)
}

// Grouping partitions variants by group key. Ungrouped variants have no key
// and are never canonicalized automatically.
type Grouping struct {
	Groups    map[string][]models.MissionArea
	Ungrouped []models.MissionArea
}

func (g Grouping) Keys() []string {
	keys := make([]string, 0, len(g.Groups))
	for k := range g.Groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func GroupByKey(variants []models.MissionArea) Grouping {
	g := Grouping{Groups: make(map[string][]models.MissionArea)}
	for _, v := range variants {
		if v.GroupKey == "" {
			g.Ungrouped = append(g.Ungrouped, v)
			continue
		}
		g.Groups[v.GroupKey] = append(g.Groups[v.GroupKey], v)
	}
	return g
}

// ProposeCanonical picks the alphabetically first visible variant by name,
// ids breaking exact ties.
func ProposeCanonical(group []models.MissionArea) (models.MissionArea, bool) {
	col := collate.New(language.English, collate.IgnoreCase, collate.IgnoreDiacritics)
	var best *models.MissionArea
	for i := range group {
		v := &group[i]
		if v.IsHidden {
			continue
		}
		if best == nil {
			best = v
			continue
		}
		switch c := col.CompareString(v.Name(), best.Name()); {
		case c < 0, c == 0 && v.ID < best.ID:
			best = v
		}
	}
	if best == nil {
		return models.MissionArea{}, false
	}
	return *best, true
}

// Proposal is the outcome of AutoCanonicalize. NeedsConfirmation stays true
// until an operator sets the canonical explicitly.
type Proposal struct {
	GroupKey          string             `json:"group_key"`
	Variant           models.MissionArea `json:"variant"`
	Applied           bool               `json:"applied"`
	NeedsConfirmation bool               `json:"needs_confirmation"`
}

type Index struct {
	store      Store
	businessId string
	logger     *logrus.Logger
}

func NewIndex(store Store, businessId string) *Index {
	return &Index{store: store, businessId: businessId, logger: config.GetLogger()}
}

func (x *Index) Grouping(ctx context.Context) (Grouping, error) {
	variants, err := x.store.ListAreaVariants(ctx, x.businessId)
	if err != nil {
		return Grouping{}, err
	}
	return GroupByKey(variants), nil
}

// Group returns the variants of one group, hidden included.
func (x *Index) Group(ctx context.Context, groupKey string) ([]models.MissionArea, error) {
	if groupKey == "" {
		return nil, ErrEmptyGroupKey
	}
	group, err := x.store.ListAreaGroup(ctx, x.businessId, groupKey)
	if err != nil {
		return nil, err
	}
	if len(group) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrGroupNotFound, groupKey)
	}
	return group, nil
}

// SetCanonical makes variantID the only canonical variant of groupKey. It
// runs under the group's row locks, so concurrent calls on one group
// serialize and calls on different groups do not contend.
func (x *Index) SetCanonical(ctx context.Context, groupKey string, variantID int) (*models.MissionArea, error) {
	return x.setCanonical(ctx, groupKey, func(group []models.MissionArea) (*models.MissionArea, error) {
		for i := range group {
			if group[i].ID == variantID {
				return &group[i], nil
			}
		}
		return nil, fmt.Errorf("%w: variant %d, group %q", ErrVariantNotInGroup, variantID, groupKey)
	})
}

// SetCanonicalByName resolves the variant by normalized name within the group.
func (x *Index) SetCanonicalByName(ctx context.Context, groupKey, name string) (*models.MissionArea, error) {
	want := keynorm.NormalizeArea(name)
	return x.setCanonical(ctx, groupKey, func(group []models.MissionArea) (*models.MissionArea, error) {
		var found *models.MissionArea
		for i := range group {
			if keynorm.NormalizeArea(group[i].Name()) != want {
				continue
			}
			// Prefer a visible spelling when the same name exists twice.
			if found == nil || (found.IsHidden && !group[i].IsHidden) {
				found = &group[i]
			}
		}
		if found == nil {
			return nil, fmt.Errorf("%w: %q, group %q", ErrVariantNotInGroup, name, groupKey)
		}
		return found, nil
	})
}

func (x *Index) setCanonical(ctx context.Context, groupKey string, find func([]models.MissionArea) (*models.MissionArea, error)) (*models.MissionArea, error) {
	if groupKey == "" {
		return nil, ErrEmptyGroupKey
	}
	chosen, err := x.store.UpdateCanonical(ctx, x.businessId, groupKey, func(group []models.MissionArea) (int, bool, error) {
		if len(group) == 0 {
			return 0, false, fmt.Errorf("%w: %q", ErrGroupNotFound, groupKey)
		}
		v, err := find(group)
		if err != nil {
			return 0, false, err
		}
		if v.IsHidden {
			return 0, false, fmt.Errorf("%w: %q (%s)", ErrVariantHidden, v.Name(), v.HiddenReason)
		}
		return v.ID, false, nil
	})
	if err != nil {
		return nil, err
	}
	x.logger.WithFields(logrus.Fields{
		"module":      "areas",
		"funcName":    "SetCanonical",
		"business_id": x.businessId,
		"group_key":   groupKey,
		"variant_id":  chosen.ID,
	}).Info("canonical area set")
	return chosen, nil
}

// AutoCanonicalize applies ProposeCanonical to a group that has no canonical
// yet. Groups with a canonical are returned untouched with Applied=false.
func (x *Index) AutoCanonicalize(ctx context.Context, groupKey string) (*Proposal, error) {
	if groupKey == "" {
		return nil, ErrEmptyGroupKey
	}
	p := &Proposal{GroupKey: groupKey}
	chosen, err := x.store.UpdateCanonical(ctx, x.businessId, groupKey, func(group []models.MissionArea) (int, bool, error) {
		if len(group) == 0 {
			return 0, false, fmt.Errorf("%w: %q", ErrGroupNotFound, groupKey)
		}
		for _, v := range group {
			if v.IsCanonical {
				p.Variant = v
				p.NeedsConfirmation = v.CanonicalAuto
				return 0, false, nil
			}
		}
		v, ok := ProposeCanonical(group)
		if !ok {
			return 0, false, fmt.Errorf("%w: %q", ErrNoCandidate, groupKey)
		}
		return v.ID, true, nil
	})
	if err != nil {
		return nil, err
	}
	if chosen != nil {
		p.Variant = *chosen
		p.Applied = true
		p.NeedsConfirmation = true
	}
	return p, nil
}

// AutoCanonicalizeAll runs AutoCanonicalize over every group. Groups without
// a visible variant are skipped.
func (x *Index) AutoCanonicalizeAll(ctx context.Context) ([]Proposal, error) {
	g, err := x.Grouping(ctx)
	if err != nil {
		return nil, err
	}
	var out []Proposal
	for _, key := range g.Keys() {
		p, err := x.AutoCanonicalize(ctx, key)
		if errors.Is(err, ErrNoCandidate) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, *p)
	}
	return out, nil
}

type AuditReport struct {
	// MultipleCanonical maps group keys to the ids flagged canonical when
	// more than one is.
	MultipleCanonical map[string][]int `json:"multiple_canonical"`
	Unresolved        []string         `json:"unresolved"`
	PendingConfirm    []string         `json:"pending_confirmation"`
	Ungrouped         []int            `json:"ungrouped"`
}

func (r AuditReport) Clean() bool {
	return len(r.MultipleCanonical) == 0
}

func Audit(variants []models.MissionArea) AuditReport {
	g := GroupByKey(variants)
	report := AuditReport{MultipleCanonical: make(map[string][]int)}
	for _, key := range g.Keys() {
		var canon []int
		pending := false
		for _, v := range g.Groups[key] {
			if v.IsCanonical {
				canon = append(canon, v.ID)
				pending = pending || v.CanonicalAuto
			}
		}
		switch {
		case len(canon) > 1:
			sort.Ints(canon)
			report.MultipleCanonical[key] = canon
		case len(canon) == 0:
			report.Unresolved = append(report.Unresolved, key)
		case pending:
			report.PendingConfirm = append(report.PendingConfirm, key)
		}
	}
	for _, v := range g.Ungrouped {
		report.Ungrouped = append(report.Ungrouped, v.ID)
	}
	return report
}
