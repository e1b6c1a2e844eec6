package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	ImportStatusQueued  = "queued"
	ImportStatusRunning = "running"
	ImportStatusSuccess = "success"
	ImportStatusFailed  = "failed"
	ImportStatusPartial = "partial"
)

const (
	ImportTriggeredManual = "manual"
	ImportTriggeredRetry  = "retry"
	ImportTriggeredSystem = "system"
	ImportTriggeredCLI    = "cli"
)

const (
	ImportErrorInvalidRow    = "invalid_row"
	ImportErrorValidation    = "validation"
	ImportErrorWriteConflict = "write_conflict"
	ImportErrorParentHidden  = "parent_hidden"
	ImportErrorWriteFailed   = "write_failed"
	ImportErrorConfiguration = "configuration"
	ImportErrorSource        = "source"
)

// ImportBatch records one reconciliation run of a collection from one source.
type ImportBatch struct {
	ID             string     `gorm:"primary_key;size:64" json:"id"`
	BusinessId     string     `gorm:"index;not null" json:"business_id"`
	Collection     Collection `gorm:"index;size:50;not null" json:"collection"`
	SourceId       string     `gorm:"size:128;not null" json:"source_id"`
	SourceObject   string     `gorm:"size:512;default:null" json:"source_object"`
	IsFullSnapshot *bool      `gorm:"default:null" json:"is_full_snapshot"`
	Status         string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy    string     `gorm:"size:20" json:"triggered_by"`
	RowCount       int        `json:"row_count"`
	Created        int        `json:"created"`
	Updated        int        `json:"updated"`
	Hidden         int        `json:"hidden"`
	Resurrected    int        `json:"resurrected"`
	KeptHidden     int        `json:"kept_hidden"`
	Ambiguous      int        `json:"ambiguous"`
	Invalid        int        `json:"invalid"`
	Failed         int        `json:"failed"`
	StatsJSON      []byte     `gorm:"type:json" json:"stats"`
	LastError      *string    `gorm:"type:text" json:"last_error"`
	ImportedAt     time.Time  `gorm:"not null" json:"imported_at"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	DurationMs     int64      `json:"duration_ms"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (b ImportBatch) Finished() bool {
	return b.Status == ImportStatusSuccess || b.Status == ImportStatusFailed || b.Status == ImportStatusPartial
}

// ImportError is a per-row or per-entity failure inside a batch.
type ImportError struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	BatchId     string     `gorm:"index;size:64;not null" json:"batch_id"`
	BusinessId  string     `gorm:"index;not null" json:"business_id"`
	Collection  Collection `gorm:"size:50" json:"collection"`
	RowNumber   int        `json:"row_number"`
	NaturalKey  string     `gorm:"size:255" json:"natural_key"`
	EntityId    int        `json:"entity_id"`
	ErrorCode   string     `gorm:"size:64" json:"error_code"`
	Message     string     `gorm:"type:text" json:"message"`
	PayloadJSON []byte     `gorm:"type:json" json:"payload"`
	Retryable   bool       `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// ReviewItem parks an ambiguous row for an operator to resolve.
type ReviewItem struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	BatchId        string     `gorm:"index;size:64;not null" json:"batch_id"`
	BusinessId     string     `gorm:"index;not null" json:"business_id"`
	Collection     Collection `gorm:"size:50" json:"collection"`
	RowNumber      int        `json:"row_number"`
	RawKey         string     `gorm:"size:255" json:"raw_key"`
	MatchedBy      string     `gorm:"size:32" json:"matched_by"`
	CandidateIds   []byte     `gorm:"type:json" json:"candidate_ids"`
	PayloadJSON    []byte     `gorm:"type:json" json:"payload"`
	Resolved       bool       `gorm:"not null;default:false" json:"resolved"`
	ResolvedEntity *int       `gorm:"default:null" json:"resolved_entity"`
	ResolvedAt     *time.Time `json:"resolved_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// QueueImportBatch records a batch that a worker will pick up later.
func QueueImportBatch(ctx context.Context, db *gorm.DB, batch *ImportBatch) error {
	batch.Status = ImportStatusQueued
	if batch.ImportedAt.IsZero() {
		batch.ImportedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(batch).Error
}

// BeginImportBatch inserts the batch as running. A batch that already exists is
// resumed unless it finished successfully, in which case skip is true.
func BeginImportBatch(ctx context.Context, db *gorm.DB, batch *ImportBatch) (skip bool, err error) {
	now := time.Now().UTC()
	batch.Status = ImportStatusRunning
	batch.StartedAt = &now
	if batch.ImportedAt.IsZero() {
		batch.ImportedAt = now
	}
	if err := db.WithContext(ctx).Create(batch).Error; err == nil {
		return false, nil
	} else if !IsDuplicateKeyErr(err) {
		return false, err
	}

	var existing ImportBatch
	if err := db.WithContext(ctx).
		Where("id = ? AND business_id = ?", batch.ID, batch.BusinessId).
		Take(&existing).Error; err != nil {
		return false, err
	}
	if existing.Status == ImportStatusSuccess {
		*batch = existing
		return true, nil
	}

	// Earlier rows of a resumed batch are superseded by this attempt.
	if err := db.WithContext(ctx).Where("batch_id = ?", batch.ID).Delete(&ImportError{}).Error; err != nil {
		return false, err
	}
	if err := db.WithContext(ctx).Where("batch_id = ? AND resolved = ?", batch.ID, false).Delete(&ReviewItem{}).Error; err != nil {
		return false, err
	}
	if existing.Status != ImportStatusQueued {
		existing.TriggeredBy = ImportTriggeredRetry
	}
	existing.Status = ImportStatusRunning
	existing.StartedAt = &now
	existing.LastError = nil
	if err := db.WithContext(ctx).Model(&ImportBatch{}).
		Where("id = ? AND business_id = ?", existing.ID, existing.BusinessId).
		Updates(map[string]interface{}{
			"status":       existing.Status,
			"started_at":   existing.StartedAt,
			"last_error":   nil,
			"triggered_by": existing.TriggeredBy,
		}).Error; err != nil {
		return false, err
	}
	*batch = existing
	return false, nil
}

// FinishImportBatch persists the final status and counters of batch.
func FinishImportBatch(ctx context.Context, db *gorm.DB, batch *ImportBatch) error {
	now := time.Now().UTC()
	batch.FinishedAt = &now
	if batch.StartedAt != nil {
		batch.DurationMs = now.Sub(*batch.StartedAt).Milliseconds()
	}
	return db.WithContext(ctx).Model(&ImportBatch{}).
		Where("id = ? AND business_id = ?", batch.ID, batch.BusinessId).
		Updates(map[string]interface{}{
			"status":      batch.Status,
			"row_count":   batch.RowCount,
			"created":     batch.Created,
			"updated":     batch.Updated,
			"hidden":      batch.Hidden,
			"resurrected": batch.Resurrected,
			"kept_hidden": batch.KeptHidden,
			"ambiguous":   batch.Ambiguous,
			"invalid":     batch.Invalid,
			"failed":      batch.Failed,
			"stats_json":  batch.StatsJSON,
			"last_error":  batch.LastError,
			"finished_at": batch.FinishedAt,
			"duration_ms": batch.DurationMs,
		}).Error
}

func CreateImportErrors(ctx context.Context, db *gorm.DB, errs []ImportError) error {
	if len(errs) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(errs, 200).Error
}

func CreateReviewItems(ctx context.Context, db *gorm.DB, items []ReviewItem) error {
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(items, 200).Error
}

var ErrImportBatchNotFound = errors.New("import batch not found")

func GetImportBatch(ctx context.Context, db *gorm.DB, businessId, batchId string) (*ImportBatch, error) {
	var batch ImportBatch
	err := db.WithContext(ctx).Where("id = ? AND business_id = ?", batchId, businessId).Take(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrImportBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func ListImportErrors(ctx context.Context, db *gorm.DB, businessId, batchId string) ([]ImportError, error) {
	var errs []ImportError
	err := db.WithContext(ctx).
		Where("batch_id = ? AND business_id = ?", batchId, businessId).
		Order("row_number, id").
		Find(&errs).Error
	return errs, err
}

func ListReviewItems(ctx context.Context, db *gorm.DB, businessId, batchId string, includeResolved bool) ([]ReviewItem, error) {
	var items []ReviewItem
	q := db.WithContext(ctx).Where("batch_id = ? AND business_id = ?", batchId, businessId)
	if !includeResolved {
		q = q.Where("resolved = ?", false)
	}
	err := q.Order("row_number, id").Find(&items).Error
	return items, err
}

// ResolveReviewItem marks an item resolved against entityId (0 = "create new").
func ResolveReviewItem(ctx context.Context, db *gorm.DB, businessId string, itemId uint, entityId int) error {
	now := time.Now().UTC()
	var resolved *int
	if entityId > 0 {
		resolved = &entityId
	}
	res := db.WithContext(ctx).Model(&ReviewItem{}).
		Where("id = ? AND business_id = ? AND resolved = ?", itemId, businessId, false).
		Updates(map[string]interface{}{
			"resolved":        true,
			"resolved_entity": resolved,
			"resolved_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
