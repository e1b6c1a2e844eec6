package importrun

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/mmdatafocus/ops_backend/config"
	"github.com/mmdatafocus/ops_backend/models"
	"github.com/mmdatafocus/ops_backend/utils"
)

// Reports reads and curates batch records for the HTTP surface.
type Reports interface {
	Queue(ctx context.Context, batch *models.ImportBatch) error
	List(ctx context.Context, businessId string, f models.BatchFilter) ([]models.ImportBatch, models.PageInfo, error)
	Get(ctx context.Context, businessId, batchId string) (*models.ImportBatch, error)
	Errors(ctx context.Context, businessId, batchId string) ([]models.ImportError, error)
	ReviewItems(ctx context.Context, businessId, batchId string, includeResolved bool) ([]models.ReviewItem, error)
	ResolveReviewItem(ctx context.Context, businessId string, itemId uint, entityId int) error
}

// Signer returns an upload URL for a legacy export.
type Signer func(ctx context.Context, businessId, filename string) (*utils.SignedUpload, error)

type Service struct {
	runner  *Runner
	reports Reports
	publish Publisher
	sign    Signer
	logger  *logrus.Logger
}

func NewService(runner *Runner, reports Reports, publish Publisher) *Service {
	return &Service{
		runner:  runner,
		reports: reports,
		publish: publish,
		sign: func(ctx context.Context, businessId, filename string) (*utils.SignedUpload, error) {
			return utils.SignSourceUpload(ctx, businessId, filename, config.ImportUploadURLTTL())
		},
		logger: config.GetLogger(),
	}
}

// Register mounts the import API on r.
func (s *Service) Register(r gin.IRouter) {
	api := r.Group("/api/imports")
	api.GET("", s.HistoryHandler())
	api.POST("", s.TriggerHandler())
	api.POST("/upload-url", s.UploadURLHandler())
	api.GET("/:id", s.BatchDetailHandler())
	api.POST("/:id/retry", s.RetryHandler())
	api.GET("/:id/review", s.ReviewListHandler())
	api.POST("/:id/review/:itemId/resolve", s.ResolveReviewHandler())
	r.POST("/pubsub/import-run", s.PubSubPushHandler())
}

// resolveBusinessID trusts the tenant header set by the gateway, falling back
// to the business_id query parameter.
func resolveBusinessID(c *gin.Context) (string, error) {
	if v := strings.TrimSpace(c.GetHeader("X-Business-Id")); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(c.Query("business_id")); v != "" {
		return v, nil
	}
	return "", errors.New("business_id is required")
}

func requestContext(c *gin.Context, businessId string) context.Context {
	ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
	if op := strings.TrimSpace(c.GetHeader("X-Operator")); op != "" {
		ctx = utils.SetOperatorInContext(ctx, op)
	}
	return ctx
}

func (s *Service) TriggerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req TriggerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.IsFullSnapshot == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "is_full_snapshot must be declared"})
			return
		}

		run := Request{
			BatchId:        strings.TrimSpace(req.BatchId),
			BusinessId:     businessId,
			Collection:     req.Collection,
			SourceId:       strings.TrimSpace(req.SourceId),
			IsFullSnapshot: req.IsFullSnapshot,
			SourceObject:   strings.TrimSpace(req.SourceObject),
			Sheet:          req.Sheet,
			Rows:           req.Rows,
			TriggeredBy:    models.ImportTriggeredManual,
		}
		if run.BatchId == "" {
			run.BatchId = uuid.NewString()
		}
		if err := run.validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx := requestContext(c, businessId)

		if req.Wait {
			rep, err := s.runner.Run(ctx, run)
			switch {
			case errors.Is(err, utils.ErrImportInProgress):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case rep == nil && err != nil:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusOK, rep)
			}
			return
		}

		if len(run.Rows) > 0 {
			// Inline rows travel with the message; they are not stored.
			c.JSON(http.StatusBadRequest, gin.H{"error": "inline rows require wait=true"})
			return
		}
		batch := &models.ImportBatch{
			ID:             run.BatchId,
			BusinessId:     businessId,
			Collection:     run.Collection,
			SourceId:       run.SourceId,
			SourceObject:   run.SourceObject,
			IsFullSnapshot: run.IsFullSnapshot,
			TriggeredBy:    run.TriggeredBy,
		}
		if err := s.reports.Queue(ctx, batch); err != nil {
			if models.IsDuplicateKeyErr(err) {
				c.JSON(http.StatusConflict, gin.H{"error": "batch id already used"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		run.ImportedAt = batch.ImportedAt
		if err := s.publish(ctx, run); err != nil {
			config.LogError(s.logger, "importrun", "TriggerHandler", "publish", run.BatchId, err)
		}
		c.JSON(http.StatusAccepted, gin.H{"id": run.BatchId})
	}
}

func (s *Service) UploadURLHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req UploadURLRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if _, err := utils.SourceContentType(req.Filename); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		upload, err := s.sign(requestContext(c, businessId), businessId, req.Filename)
		if err != nil {
			config.LogError(s.logger, "importrun", "UploadURLHandler", "sign upload", req.Filename, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not sign upload"})
			return
		}
		c.JSON(http.StatusOK, upload)
	}
}

func (s *Service) loadBatch(c *gin.Context) (*models.ImportBatch, context.Context, string, bool) {
	businessId, err := resolveBusinessID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, nil, "", false
	}
	ctx := requestContext(c, businessId)
	batch, err := s.reports.Get(ctx, businessId, c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrImportBatchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return nil, nil, "", false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, "", false
	}
	return batch, ctx, businessId, true
}

func (s *Service) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		f := models.BatchFilter{
			Collection: models.Collection(strings.TrimSpace(c.Query("collection"))),
			Status:     strings.TrimSpace(c.Query("status")),
			After:      strings.TrimSpace(c.Query("after")),
			Limit:      20,
		}
		if f.Collection != "" && !f.Collection.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown collection"})
			return
		}
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				f.Limit = n
			}
		}

		batches, page, err := s.reports.List(requestContext(c, businessId), businessId, f)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		items := make([]BatchResponse, 0, len(batches))
		for _, b := range batches {
			items = append(items, mapBatchToResponse(b))
		}
		c.JSON(http.StatusOK, BatchHistoryResponse{Items: items, PageInfo: page})
	}
}

func (s *Service) BatchDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, ctx, businessId, ok := s.loadBatch(c)
		if !ok {
			return
		}
		errs, err := s.reports.Errors(ctx, businessId, batch.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items, err := s.reports.ReviewItems(ctx, businessId, batch.ID, false)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, BatchDetailResponse{
			BatchResponse: mapBatchToResponse(*batch),
			Errors:        mapErrors(errs),
			ReviewItems:   mapReviewItems(items),
		})
	}
}

// RetryHandler re-queues a batch under its own id so the run resumes and
// converges instead of duplicating what the earlier attempt wrote.
func (s *Service) RetryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, ctx, businessId, ok := s.loadBatch(c)
		if !ok {
			return
		}
		if batch.Status == models.ImportStatusSuccess {
			c.JSON(http.StatusConflict, gin.H{"error": "batch already succeeded"})
			return
		}
		if batch.SourceObject == "" {
			c.JSON(http.StatusConflict, gin.H{"error": "batch had inline rows; trigger it again with the rows"})
			return
		}
		run := Request{
			BatchId:        batch.ID,
			BusinessId:     businessId,
			Collection:     batch.Collection,
			SourceId:       batch.SourceId,
			IsFullSnapshot: batch.IsFullSnapshot,
			SourceObject:   batch.SourceObject,
			TriggeredBy:    models.ImportTriggeredRetry,
			ImportedAt:     batch.ImportedAt,
		}
		if err := s.publish(ctx, run); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": batch.ID})
	}
}

func (s *Service) ReviewListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, ctx, businessId, ok := s.loadBatch(c)
		if !ok {
			return
		}
		includeResolved, _ := strconv.ParseBool(c.Query("include_resolved"))
		items, err := s.reports.ReviewItems(ctx, businessId, batch.ID, includeResolved)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ReviewListResponse{Items: mapReviewItems(items)})
	}
}

func (s *Service) ResolveReviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, ctx, businessId, ok := s.loadBatch(c)
		if !ok {
			return
		}
		itemId, err := strconv.ParseUint(c.Param("itemId"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid review item id"})
			return
		}
		var req ResolveReviewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := s.reports.ResolveReviewItem(ctx, businessId, uint(itemId), req.EntityId); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
