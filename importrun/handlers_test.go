package importrun

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mmdatafocus/ops_backend/models"
	"github.com/mmdatafocus/ops_backend/storetest"
	"github.com/mmdatafocus/ops_backend/utils"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []Request
}

func (p *recordingPublisher) publish(_ context.Context, req Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, req)
	return nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *fixture, *recordingPublisher) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	pub := &recordingPublisher{}
	svc := NewService(f.runner, f.ledger, pub.publish)
	svc.logger = quiet()
	r := gin.New()
	svc.Register(r)
	return r, f, pub
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Business-Id", biz)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTriggerHandler_WaitRunsInline(t *testing.T) {
	r, f, _ := newTestRouter(t)
	w := doJSON(r, http.MethodPost, "/api/imports", map[string]any{
		"batch_id":         "b1",
		"collection":       "purchase_orders",
		"source_id":        "legacy-po",
		"is_full_snapshot": true,
		"wait":             true,
		"rows":             []map[string]any{{"po_number": "PO1"}, {"po_number": "PO2"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var rep Report
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Created != 2 || rep.Status != models.ImportStatusSuccess {
		t.Fatalf("report = %+v", rep)
	}
	if b := f.ledger.batch("b1"); b.TriggeredBy != models.ImportTriggeredManual {
		t.Fatalf("triggered by = %q", b.TriggeredBy)
	}
}

func TestTriggerHandler_Validation(t *testing.T) {
	r, _, _ := newTestRouter(t)
	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"undeclared snapshot", map[string]any{"collection": "purchase_orders", "source_id": "s", "source_object": "po.csv"}, http.StatusBadRequest},
		{"missing source id", map[string]any{"collection": "purchase_orders", "is_full_snapshot": true}, http.StatusBadRequest},
		{"unknown collection", map[string]any{"collection": "widgets", "source_id": "s", "is_full_snapshot": true, "source_object": "x.csv"}, http.StatusBadRequest},
		{"async inline rows", map[string]any{"collection": "purchase_orders", "source_id": "s", "is_full_snapshot": false, "rows": []map[string]any{{"po": "1"}}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := doJSON(r, http.MethodPost, "/api/imports", tc.body); w.Code != tc.want {
				t.Fatalf("status = %d want %d body=%s", w.Code, tc.want, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/imports", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no business status = %d", w.Code)
	}
}

func TestTriggerHandler_QueuesAndPublishes(t *testing.T) {
	r, f, pub := newTestRouter(t)
	w := doJSON(r, http.MethodPost, "/api/imports", map[string]any{
		"collection":       "purchase_orders",
		"source_id":        "legacy-po",
		"is_full_snapshot": false,
		"source_object":    "gs://bucket/po.csv",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var body struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.ID == "" || len(pub.sent) != 1 || pub.sent[0].BatchId != body.ID {
		t.Fatalf("id=%q published=%+v", body.ID, pub.sent)
	}
	if b := f.ledger.batch(body.ID); b.Status != models.ImportStatusQueued {
		t.Fatalf("queued batch = %+v", b)
	}
}

func TestBatchDetailHandler(t *testing.T) {
	r, f, _ := newTestRouter(t)
	if w := doJSON(r, http.MethodGet, "/api/imports/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", w.Code)
	}

	f.store.Add(storetest.Seed{Collection: models.CollectionPurchaseOrders, NaturalKey: "PO1", LegacyKey: "77"})
	f.store.Add(storetest.Seed{Collection: models.CollectionPurchaseOrders, NaturalKey: "PO2", LegacyKey: "77"})
	if _, err := f.runner.Run(context.Background(), poRequest("b1", boolPtr(false),
		map[string]any{"po_number": "PO9", "legacy_po_id": "77"},
		map[string]any{"vendor": "no key"})); err != nil {
		t.Fatalf("Run: %v", err)
	}

	w := doJSON(r, http.MethodGet, "/api/imports/b1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var detail BatchDetailResponse
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Status != models.ImportStatusFailed || len(detail.Errors) != 1 || len(detail.ReviewItems) != 1 {
		t.Fatalf("detail = %+v", detail)
	}
	if len(detail.ReviewItems[0].CandidateIds) != 2 || detail.FinishedAt == nil {
		t.Fatalf("review item = %+v", detail.ReviewItems[0])
	}

	itemPath := "/api/imports/b1/review/" + jsonNumber(detail.ReviewItems[0].ID) + "/resolve"
	if w := doJSON(r, http.MethodPost, itemPath, map[string]any{"entity_id": detail.ReviewItems[0].CandidateIds[0]}); w.Code != http.StatusOK {
		t.Fatalf("resolve status = %d body=%s", w.Code, w.Body.String())
	}
	if w := doJSON(r, http.MethodPost, itemPath, map[string]any{}); w.Code != http.StatusNotFound {
		t.Fatalf("second resolve status = %d", w.Code)
	}

	var list ReviewListResponse
	w = doJSON(r, http.MethodGet, "/api/imports/b1/review", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Items) != 0 {
		t.Fatalf("unresolved = %+v", list.Items)
	}
	w = doJSON(r, http.MethodGet, "/api/imports/b1/review?include_resolved=true", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Items) != 1 || !list.Items[0].Resolved {
		t.Fatalf("all = %+v", list.Items)
	}
}

func jsonNumber(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestRetryHandler(t *testing.T) {
	r, f, pub := newTestRouter(t)
	failed := boolPtr(true)
	_ = f.ledger.Queue(context.Background(), &models.ImportBatch{
		ID: "b1", BusinessId: biz, Collection: models.CollectionPurchaseOrders,
		SourceId: "legacy-po", SourceObject: "po.csv", IsFullSnapshot: failed,
	})

	if w := doJSON(r, http.MethodPost, "/api/imports/b1/retry", nil); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if len(pub.sent) != 1 || pub.sent[0].BatchId != "b1" || pub.sent[0].TriggeredBy != models.ImportTriggeredRetry {
		t.Fatalf("published = %+v", pub.sent)
	}

	if _, err := f.runner.Run(context.Background(), poRequest("b2", boolPtr(false), map[string]any{"po_number": "PO1"})); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if w := doJSON(r, http.MethodPost, "/api/imports/b2/retry", nil); w.Code != http.StatusConflict {
		t.Fatalf("succeeded batch retry status = %d", w.Code)
	}
}

func TestPubSubPushHandler(t *testing.T) {
	r, f, _ := newTestRouter(t)
	data, _ := json.Marshal(poRequest("b1", boolPtr(false), map[string]any{"po_number": "PO1"}))
	envelope := PubSubPushEnvelope{}
	envelope.Message.Data = data
	envelope.Message.ID = "m-1"

	if w := doJSON(r, http.MethodPost, "/pubsub/import-run", envelope); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if b := f.ledger.batch("b1"); b.Status != models.ImportStatusSuccess || b.Created != 1 {
		t.Fatalf("batch = %+v", b)
	}

	// Malformed payloads are acknowledged so they are not redelivered forever.
	if w := doJSON(r, http.MethodPost, "/pubsub/import-run", map[string]any{"message": "nope"}); w.Code != http.StatusNoContent {
		t.Fatalf("malformed status = %d", w.Code)
	}
}

func TestUploadURLHandler(t *testing.T) {
	r, _, _ := newTestRouter(t)
	if w := doJSON(r, http.MethodPost, "/api/imports/upload-url", map[string]any{"filename": "po.pdf"}); w.Code != http.StatusBadRequest {
		t.Fatalf("pdf status = %d", w.Code)
	}
	if w := doJSON(r, http.MethodPost, "/api/imports/upload-url", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing filename status = %d", w.Code)
	}
}

func TestUploadURLHandler_Signs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	svc := NewService(f.runner, f.ledger, (&recordingPublisher{}).publish)
	svc.logger = quiet()
	var gotBiz, gotName string
	svc.sign = func(_ context.Context, businessId, filename string) (*utils.SignedUpload, error) {
		gotBiz, gotName = businessId, filename
		return &utils.SignedUpload{UploadURL: "https://signed", Method: "PUT", SourceObject: "gs://b/imports/biz/po.csv"}, nil
	}
	r := gin.New()
	svc.Register(r)

	w := doJSON(r, http.MethodPost, "/api/imports/upload-url", map[string]any{"filename": "po.csv"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var up utils.SignedUpload
	_ = json.Unmarshal(w.Body.Bytes(), &up)
	if gotBiz != biz || gotName != "po.csv" || up.SourceObject != "gs://b/imports/biz/po.csv" {
		t.Fatalf("biz=%q name=%q upload=%+v", gotBiz, gotName, up)
	}
}

func TestHistoryHandler_Pages(t *testing.T) {
	r, f, _ := newTestRouter(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"b1", "b2", "b3"} {
		_ = f.ledger.Queue(context.Background(), &models.ImportBatch{
			ID: id, BusinessId: biz, Collection: models.CollectionPurchaseOrders,
			SourceId: "s", ImportedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	_ = f.ledger.Queue(context.Background(), &models.ImportBatch{ID: "other", BusinessId: "someone-else", Collection: models.CollectionPurchaseOrders, SourceId: "s"})

	var page BatchHistoryResponse
	w := doJSON(r, http.MethodGet, "/api/imports?limit=2", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil || w.Code != http.StatusOK {
		t.Fatalf("status = %d err = %v", w.Code, err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "b3" || !page.PageInfo.HasNextPage {
		t.Fatalf("first page = %+v", page)
	}

	w = doJSON(r, http.MethodGet, "/api/imports?limit=2&after="+url.QueryEscape(page.PageInfo.EndCursor), nil)
	page = BatchHistoryResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &page)
	if len(page.Items) != 1 || page.Items[0].ID != "b1" || page.PageInfo.HasNextPage {
		t.Fatalf("second page = %+v", page)
	}

	if w := doJSON(r, http.MethodGet, "/api/imports?collection=widgets", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad collection status = %d", w.Code)
	}
}
