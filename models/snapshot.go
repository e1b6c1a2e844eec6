package models

import "fmt"

// EntityRef addresses one persisted importable entity at a known version.
type EntityRef struct {
	Collection Collection
	BusinessId string
	ID         int
	Version    int
	ParentID   int
}

// Snapshot is the import-relevant projection of a persisted entity. Matching
// and reconciliation only ever look at snapshots, never at full models.
type Snapshot struct {
	ID               int
	Collection       Collection
	BusinessId       string
	NaturalKey       string
	NaturalKeyNorm   string
	LegacyKey        string
	ParentID         int
	IsHidden         bool
	HiddenReason     HiddenReason
	LastSeenImportId string
	Version          int
}

func (s *Snapshot) Ref() EntityRef {
	return EntityRef{
		Collection: s.Collection,
		BusinessId: s.BusinessId,
		ID:         s.ID,
		Version:    s.Version,
		ParentID:   s.ParentID,
	}
}

func (s *Snapshot) State() ImportState {
	st := ImportState{
		NaturalKey:       s.NaturalKey,
		NaturalKeyNorm:   s.NaturalKeyNorm,
		IsHidden:         s.IsHidden,
		HiddenReason:     s.HiddenReason,
		LastSeenImportId: s.LastSeenImportId,
		Version:          s.Version,
	}
	if s.LegacyKey != "" {
		legacy := s.LegacyKey
		st.LegacyKey = &legacy
	}
	return st
}

// NewEntity is a create request produced by reconciliation.
type NewEntity struct {
	Collection Collection
	BusinessId string
	NaturalKey string
	LegacyKey  string
	ParentID   int
	Fields     map[string]any
	BatchId    string
}

// OriginKey identifies the create across retries of the same batch.
func (e NewEntity) OriginKey() string {
	key := fmt.Sprintf("%s:%d:%s", e.BatchId, e.ParentID, e.Collection.NormalizeNaturalKey(e.NaturalKey))
	if len(key) > 191 {
		key = key[:191]
	}
	return key
}
