package importrun

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/ops_backend/models"
)

type TriggerRequest struct {
	BatchId        string            `json:"batch_id"`
	Collection     models.Collection `json:"collection" binding:"required"`
	SourceId       string            `json:"source_id" binding:"required"`
	IsFullSnapshot *bool             `json:"is_full_snapshot"`
	SourceObject   string            `json:"source_object"`
	Sheet          string            `json:"sheet"`
	Rows           []map[string]any  `json:"rows"`
	// Wait runs the batch inside the request instead of queueing it.
	Wait bool `json:"wait"`
}

type UploadURLRequest struct {
	Filename string `json:"filename" binding:"required"`
}

type ResolveReviewRequest struct {
	EntityId int `json:"entity_id"`
}

type BatchResponse struct {
	ID             string          `json:"id"`
	Collection     string          `json:"collection"`
	SourceId       string          `json:"sourceId"`
	SourceObject   string          `json:"sourceObject,omitempty"`
	IsFullSnapshot *bool           `json:"isFullSnapshot"`
	Status         string          `json:"status"`
	TriggeredBy    string          `json:"triggeredBy"`
	RowCount       int             `json:"rowCount"`
	Created        int             `json:"created"`
	Updated        int             `json:"updated"`
	Hidden         int             `json:"hidden"`
	Resurrected    int             `json:"resurrected"`
	KeptHidden     int             `json:"keptHidden"`
	Ambiguous      int             `json:"ambiguous"`
	Invalid        int             `json:"invalid"`
	Failed         int             `json:"failed"`
	LastError      *string         `json:"lastError"`
	Stats          json.RawMessage `json:"stats,omitempty"`
	ImportedAt     *string         `json:"importedAt"`
	StartedAt      *string         `json:"startedAt"`
	FinishedAt     *string         `json:"finishedAt"`
	DurationMs     int64           `json:"durationMs"`
}

type BatchHistoryResponse struct {
	Items    []BatchResponse `json:"items"`
	PageInfo models.PageInfo `json:"pageInfo"`
}

type BatchDetailResponse struct {
	BatchResponse
	Errors      []ImportErrorResponse `json:"errors"`
	ReviewItems []ReviewItemResponse  `json:"reviewItems"`
}

type ImportErrorResponse struct {
	ID         uint   `json:"id"`
	RowNumber  int    `json:"rowNumber"`
	NaturalKey string `json:"naturalKey"`
	EntityId   int    `json:"entityId,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type ReviewItemResponse struct {
	ID             uint    `json:"id"`
	RowNumber      int     `json:"rowNumber"`
	RawKey         string  `json:"rawKey"`
	MatchedBy      string  `json:"matchedBy"`
	CandidateIds   []int   `json:"candidateIds"`
	Resolved       bool    `json:"resolved"`
	ResolvedEntity *int    `json:"resolvedEntity"`
	ResolvedAt     *string `json:"resolvedAt"`
}

type ReviewListResponse struct {
	Items []ReviewItemResponse `json:"items"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapBatchToResponse(b models.ImportBatch) BatchResponse {
	resp := BatchResponse{
		ID:             b.ID,
		Collection:     string(b.Collection),
		SourceId:       b.SourceId,
		SourceObject:   b.SourceObject,
		IsFullSnapshot: b.IsFullSnapshot,
		Status:         b.Status,
		TriggeredBy:    b.TriggeredBy,
		RowCount:       b.RowCount,
		Created:        b.Created,
		Updated:        b.Updated,
		Hidden:         b.Hidden,
		Resurrected:    b.Resurrected,
		KeptHidden:     b.KeptHidden,
		Ambiguous:      b.Ambiguous,
		Invalid:        b.Invalid,
		Failed:         b.Failed,
		LastError:      b.LastError,
		ImportedAt:     formatTime(&b.ImportedAt),
		StartedAt:      formatTime(b.StartedAt),
		FinishedAt:     formatTime(b.FinishedAt),
		DurationMs:     b.DurationMs,
	}
	if len(b.StatsJSON) > 0 && json.Valid(b.StatsJSON) {
		resp.Stats = json.RawMessage(b.StatsJSON)
	}
	return resp
}

func mapErrors(list []models.ImportError) []ImportErrorResponse {
	out := make([]ImportErrorResponse, 0, len(list))
	for _, e := range list {
		out = append(out, ImportErrorResponse{
			ID:         e.ID,
			RowNumber:  e.RowNumber,
			NaturalKey: e.NaturalKey,
			EntityId:   e.EntityId,
			Code:       e.ErrorCode,
			Message:    e.Message,
			Retryable:  e.Retryable,
		})
	}
	return out
}

func mapReviewItems(list []models.ReviewItem) []ReviewItemResponse {
	out := make([]ReviewItemResponse, 0, len(list))
	for _, it := range list {
		var ids []int
		_ = json.Unmarshal(it.CandidateIds, &ids)
		out = append(out, ReviewItemResponse{
			ID:             it.ID,
			RowNumber:      it.RowNumber,
			RawKey:         it.RawKey,
			MatchedBy:      it.MatchedBy,
			CandidateIds:   ids,
			Resolved:       it.Resolved,
			ResolvedEntity: it.ResolvedEntity,
			ResolvedAt:     formatTime(it.ResolvedAt),
		})
	}
	return out
}
