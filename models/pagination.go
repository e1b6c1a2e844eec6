package models

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

type PageInfo struct {
	EndCursor   string `json:"endCursor"`
	HasNextPage bool   `json:"hasNextPage"`
}

// EncodeBatchCursor points after a batch in newest-first order.
func EncodeBatchCursor(importedAt time.Time, id string) string {
	cursor := fmt.Sprintf("%s|%s", importedAt.UTC().Format(time.RFC3339Nano), id)
	return base64.StdEncoding.EncodeToString([]byte(cursor))
}

func DecodeBatchCursor(cursor string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	ts, id, ok := strings.Cut(string(decoded), "|")
	if !ok || id == "" {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", err
	}
	return at, id, nil
}

type BatchFilter struct {
	Collection Collection
	Status     string
	After      string
	Limit      int
}

// ListImportBatches pages a business's batches newest first.
func ListImportBatches(ctx context.Context, db *gorm.DB, businessId string, f BatchFilter) ([]ImportBatch, PageInfo, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := db.WithContext(ctx).Where("business_id = ?", businessId)
	if f.Collection != "" {
		q = q.Where("collection = ?", f.Collection)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.After != "" {
		at, id, err := DecodeBatchCursor(f.After)
		if err != nil {
			return nil, PageInfo{}, err
		}
		q = q.Where("(imported_at < ? OR (imported_at = ? AND id < ?))", at, at, id)
	}

	var batches []ImportBatch
	if err := q.Order("imported_at desc, id desc").Limit(limit + 1).Find(&batches).Error; err != nil {
		return nil, PageInfo{}, err
	}
	return PageBatches(batches, limit)
}

// PageBatches trims a limit+1 result to limit and fills the page info.
func PageBatches(batches []ImportBatch, limit int) ([]ImportBatch, PageInfo, error) {
	var info PageInfo
	if len(batches) > limit {
		batches = batches[:limit]
		info.HasNextPage = true
	}
	if n := len(batches); n > 0 {
		info.EndCursor = EncodeBatchCursor(batches[n-1].ImportedAt, batches[n-1].ID)
	}
	return batches, info, nil
}
