// Package importrun drives one import batch end to end: lock, batch record,
// row validation, reconciliation, apply and report.
package importrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/mmdatafocus/ops_backend/config"
	"github.com/mmdatafocus/ops_backend/importer"
	"github.com/mmdatafocus/ops_backend/lifecycle"
	"github.com/mmdatafocus/ops_backend/matcher"
	"github.com/mmdatafocus/ops_backend/models"
	"github.com/mmdatafocus/ops_backend/reconcile"
	"github.com/mmdatafocus/ops_backend/utils"
)

var (
	ErrInvalidRequest = errors.New("invalid import request")
	ErrNoSource       = errors.New("request carries neither rows nor a source object")
)

// Store is what a run reads and writes entities through.
type Store interface {
	lifecycle.Store
	LoadSnapshot(ctx context.Context, businessId string, c models.Collection) ([]*models.Snapshot, error)
}

// Ledger keeps the batch bookkeeping records.
type Ledger interface {
	Begin(ctx context.Context, batch *models.ImportBatch) (skip bool, err error)
	Finish(ctx context.Context, batch *models.ImportBatch) error
	RecordErrors(ctx context.Context, errs []models.ImportError) error
	RecordReviewItems(ctx context.Context, items []models.ReviewItem) error
}

type Releaser interface {
	Release(ctx context.Context) error
}

// lossNotifier is a held lock that can report it was lost.
type lossNotifier interface {
	Lost() <-chan struct{}
}

type Locker interface {
	Obtain(ctx context.Context, key string) (Releaser, error)
}

type SourceReader func(ctx context.Context, object string) ([]byte, error)

type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) Begin(ctx context.Context, batch *models.ImportBatch) (bool, error) {
	return models.BeginImportBatch(ctx, l.db, batch)
}

func (l *GormLedger) Finish(ctx context.Context, batch *models.ImportBatch) error {
	return models.FinishImportBatch(ctx, l.db, batch)
}

func (l *GormLedger) RecordErrors(ctx context.Context, errs []models.ImportError) error {
	return models.CreateImportErrors(ctx, l.db, errs)
}

func (l *GormLedger) RecordReviewItems(ctx context.Context, items []models.ReviewItem) error {
	return models.CreateReviewItems(ctx, l.db, items)
}

func (l *GormLedger) Queue(ctx context.Context, batch *models.ImportBatch) error {
	return models.QueueImportBatch(ctx, l.db, batch)
}

func (l *GormLedger) List(ctx context.Context, businessId string, f models.BatchFilter) ([]models.ImportBatch, models.PageInfo, error) {
	return models.ListImportBatches(ctx, l.db, businessId, f)
}

func (l *GormLedger) Get(ctx context.Context, businessId, batchId string) (*models.ImportBatch, error) {
	return models.GetImportBatch(ctx, l.db, businessId, batchId)
}

func (l *GormLedger) Errors(ctx context.Context, businessId, batchId string) ([]models.ImportError, error) {
	return models.ListImportErrors(ctx, l.db, businessId, batchId)
}

func (l *GormLedger) ReviewItems(ctx context.Context, businessId, batchId string, includeResolved bool) ([]models.ReviewItem, error) {
	return models.ListReviewItems(ctx, l.db, businessId, batchId, includeResolved)
}

func (l *GormLedger) ResolveReviewItem(ctx context.Context, businessId string, itemId uint, entityId int) error {
	return models.ResolveReviewItem(ctx, l.db, businessId, itemId, entityId)
}

// RedisLocker hands out utils.ImportLock advisory locks.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redislock.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string) (Releaser, error) {
	lock, err := utils.ObtainImportLock(ctx, l.client, key, l.ttl)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Request describes one batch. Rows and SourceObject are alternatives.
type Request struct {
	BatchId        string            `json:"batch_id"`
	BusinessId     string            `json:"business_id"`
	Collection     models.Collection `json:"collection"`
	SourceId       string            `json:"source_id"`
	IsFullSnapshot *bool             `json:"is_full_snapshot"`
	SourceObject   string            `json:"source_object,omitempty"`
	Sheet          string            `json:"sheet,omitempty"`
	Rows           []map[string]any  `json:"rows,omitempty"`
	TriggeredBy    string            `json:"triggered_by,omitempty"`
	ImportedAt     time.Time         `json:"imported_at,omitempty"`
}

func (r *Request) validate() error {
	switch {
	case strings.TrimSpace(r.BusinessId) == "":
		return fmt.Errorf("%w: business_id is required", ErrInvalidRequest)
	case !r.Collection.IsValid():
		return fmt.Errorf("%w: %v %q", ErrInvalidRequest, models.ErrUnknownCollection, r.Collection)
	case strings.TrimSpace(r.SourceId) == "":
		return fmt.Errorf("%w: source_id is required", ErrInvalidRequest)
	case len(r.Rows) == 0 && strings.TrimSpace(r.SourceObject) == "":
		return ErrNoSource
	}
	return nil
}

// Report is the outcome of a run, also stored as the batch stats JSON.
type Report struct {
	BatchId     string           `json:"batch_id"`
	Status      string           `json:"status"`
	Skipped     bool             `json:"skipped,omitempty"`
	Rows        int              `json:"rows"`
	Diff        reconcile.Counts `json:"diff"`
	Created     int              `json:"created"`
	Updated     int              `json:"updated"`
	Hidden      int              `json:"hidden"`
	Resurrected int              `json:"resurrected"`
	KeptHidden  int              `json:"kept_hidden"`
	Ambiguous   int              `json:"ambiguous"`
	Invalid     int              `json:"invalid"`
	Failed      int              `json:"failed"`
	Cascade     struct {
		Hidden      int `json:"hidden"`
		Resurrected int `json:"resurrected"`
	} `json:"cascade"`
	MatchedBy  map[string]int `json:"matched_by"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

type Options struct {
	Workers          int
	MaxFuzzyDistance int
	PhoneRegion      string
}

// OptionsFromEnv reads the IMPORT_* and PHONE_DEFAULT_REGION knobs.
func OptionsFromEnv() Options {
	return Options{
		Workers:          config.ImportMatchWorkers(),
		MaxFuzzyDistance: config.ImportFuzzyDistance(),
		PhoneRegion:      config.PhoneDefaultRegion(),
	}
}

type Runner struct {
	store      Store
	ledger     Ledger
	locker     Locker
	readSource SourceReader
	opts       Options
	logger     *logrus.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

type RunnerOption func(*Runner)

func WithSourceReader(read SourceReader) RunnerOption {
	return func(r *Runner) { r.readSource = read }
}

func WithLogger(logger *logrus.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

func NewRunner(store Store, ledger Ledger, locker Locker, opts Options, options ...RunnerOption) *Runner {
	r := &Runner{
		store:      store,
		ledger:     ledger,
		locker:     locker,
		readSource: utils.ReadSourceObject,
		opts:       opts,
		logger:     config.GetLogger(),
		tracer:     otel.Tracer("ops-import"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// NewGormRunner wires a runner to MySQL and Redis the way the service runs.
func NewGormRunner(db *gorm.DB, locker *redislock.Client) *Runner {
	return NewRunner(models.NewGormStore(db), NewGormLedger(db), NewRedisLocker(locker, config.ImportLockTTL()), OptionsFromEnv())
}

// Run executes req. Row and entity problems end up in the report; the
// returned error means the batch could not run at all (lock held, bad
// request, storage down, configuration error).
func (r *Runner) Run(ctx context.Context, req Request) (*Report, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.BatchId == "" {
		req.BatchId = uuid.NewString()
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = models.ImportTriggeredSystem
	}
	if req.ImportedAt.IsZero() {
		req.ImportedAt = r.now()
	}

	ctx = utils.SetBusinessIdInContext(ctx, req.BusinessId)
	ctx = utils.SetImportBatchIdInContext(ctx, req.BatchId)
	ctx, span := r.tracer.Start(ctx, "importrun.Run", trace.WithAttributes(
		attribute.String("batch_id", req.BatchId),
		attribute.String("collection", string(req.Collection)),
		attribute.String("source_id", req.SourceId),
	))
	defer span.End()

	lock, err := r.locker.Obtain(ctx, utils.ImportLockKey(req.BusinessId, string(req.Collection), req.SourceId))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			config.LogError(r.logger, "importrun", "Run", "release lock", req.BatchId, err)
		}
	}()
	ctx, stopWatch := watchLock(ctx, lock)
	defer stopWatch()

	batch := &models.ImportBatch{
		ID:             req.BatchId,
		BusinessId:     req.BusinessId,
		Collection:     req.Collection,
		SourceId:       req.SourceId,
		SourceObject:   req.SourceObject,
		IsFullSnapshot: req.IsFullSnapshot,
		TriggeredBy:    req.TriggeredBy,
		ImportedAt:     req.ImportedAt,
	}
	skip, err := r.ledger.Begin(ctx, batch)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if skip {
		rep := &Report{BatchId: batch.ID, Status: batch.Status, Skipped: true}
		_ = json.Unmarshal(batch.StatsJSON, rep)
		rep.Skipped = true
		return rep, nil
	}

	rep, runErr := r.execute(ctx, req, batch)
	if rep == nil {
		rep = &Report{BatchId: batch.ID}
	}
	if cause := context.Cause(ctx); errors.Is(cause, utils.ErrImportLockLost) {
		runErr = fmt.Errorf("batch %s stopped: %w", batch.ID, cause)
	}
	if runErr != nil {
		batch.Status = models.ImportStatusFailed
		msg := runErr.Error()
		batch.LastError = &msg
		rep.Error = msg
		span.SetStatus(codes.Error, msg)
	}
	rep.Status = batch.Status
	if batch.StartedAt != nil {
		rep.DurationMs = r.now().Sub(*batch.StartedAt).Milliseconds()
	}
	batch.StatsJSON, _ = json.Marshal(rep)

	if err := r.ledger.Finish(context.WithoutCancel(ctx), batch); err != nil {
		config.LogError(r.logger, "importrun", "Run", "finish batch", batch.ID, err)
		if runErr == nil {
			runErr = err
		}
	}

	r.logger.WithFields(logrus.Fields{
		"module":      "importrun",
		"funcName":    "Run",
		"batch_id":    batch.ID,
		"business_id": batch.BusinessId,
		"collection":  batch.Collection,
		"status":      batch.Status,
		"rows":        rep.Rows,
		"created":     rep.Created,
		"updated":     rep.Updated,
		"hidden":      rep.Hidden,
		"resurrected": rep.Resurrected,
		"ambiguous":   rep.Ambiguous,
		"invalid":     rep.Invalid,
		"failed":      rep.Failed,
	}).Info("import batch finished")
	return rep, runErr
}

// watchLock derives a context canceled with utils.ErrImportLockLost as soon
// as lock reports it was lost.
func watchLock(ctx context.Context, lock Releaser) (context.Context, func()) {
	ln, ok := lock.(lossNotifier)
	if !ok {
		return ctx, func() {}
	}
	lctx, cancel := context.WithCancelCause(ctx)
	select {
	case <-ln.Lost():
		cancel(utils.ErrImportLockLost)
		return lctx, func() { cancel(nil) }
	default:
	}
	go func() {
		select {
		case <-ln.Lost():
			cancel(utils.ErrImportLockLost)
		case <-lctx.Done():
		}
	}()
	return lctx, func() { cancel(nil) }
}

func (r *Runner) execute(ctx context.Context, req Request, batch *models.ImportBatch) (*Report, error) {
	rep := &Report{BatchId: batch.ID, MatchedBy: map[string]int{}}

	records, err := r.records(ctx, req)
	if err != nil {
		_ = r.ledger.RecordErrors(ctx, []models.ImportError{{
			BatchId:    batch.ID,
			BusinessId: batch.BusinessId,
			Collection: batch.Collection,
			ErrorCode:  models.ImportErrorSource,
			Message:    err.Error(),
		}})
		return rep, err
	}

	builder, err := importer.NewBuilder(req.Collection, importer.Options{PhoneRegion: r.opts.PhoneRegion})
	if err != nil {
		return rep, err
	}
	rows := builder.BuildAll(records)
	rep.Rows = len(rows)
	batch.RowCount = len(rows)

	if batch.IsFullSnapshot != nil && *batch.IsFullSnapshot && !anyValid(rows) {
		err := &reconcile.ConfigurationError{Field: "rows", Message: "full snapshot has no valid rows; refusing to hide every entity"}
		_ = r.ledger.RecordErrors(ctx, append(invalidRowErrors(batch, invalidOf(rows)), models.ImportError{
			BatchId:    batch.ID,
			BusinessId: batch.BusinessId,
			Collection: batch.Collection,
			ErrorCode:  models.ImportErrorConfiguration,
			Message:    err.Error(),
		}))
		rep.Invalid = len(rows)
		batch.Invalid = len(rows)
		return rep, err
	}

	rb := reconcile.Batch{
		Id:             batch.ID,
		BusinessId:     batch.BusinessId,
		Collection:     batch.Collection,
		SourceId:       batch.SourceId,
		IsFullSnapshot: batch.IsFullSnapshot,
		ImportedAt:     batch.ImportedAt,
		Rows:           rows,
	}

	sctx, span := r.tracer.Start(ctx, "importrun.LoadSnapshot")
	existing, err := r.store.LoadSnapshot(sctx, batch.BusinessId, batch.Collection)
	if err == nil {
		if parent := batch.Collection.Parent(); parent != "" {
			rb.Parents, err = r.store.LoadSnapshot(sctx, batch.BusinessId, parent)
		}
	}
	span.SetAttributes(attribute.Int("existing", len(existing)))
	span.End()
	if err != nil {
		return rep, err
	}

	engine := reconcile.NewEngine(reconcile.Options{
		Workers: r.opts.Workers,
		Match:   matcher.Options{MaxFuzzyDistance: r.opts.MaxFuzzyDistance},
	})
	rctx, span := r.tracer.Start(ctx, "importrun.Reconcile")
	diff, err := engine.Reconcile(rctx, rb, existing)
	span.End()
	if err != nil {
		var cfgErr *reconcile.ConfigurationError
		if errors.As(err, &cfgErr) {
			_ = r.ledger.RecordErrors(ctx, []models.ImportError{{
				BatchId:    batch.ID,
				BusinessId: batch.BusinessId,
				Collection: batch.Collection,
				ErrorCode:  models.ImportErrorConfiguration,
				Message:    cfgErr.Error(),
			}})
		}
		return rep, err
	}
	rep.Diff = diff.Counts()
	for _, u := range diff.ToUpdate {
		rep.MatchedBy[string(u.MatchedBy)]++
	}
	for _, u := range diff.ToResurrect {
		rep.MatchedBy[string(u.MatchedBy)]++
	}

	actx, span := r.tracer.Start(ctx, "importrun.Apply")
	res, err := lifecycle.NewManager(r.store, lifecycle.WithLogger(r.logger)).Apply(actx, rb, diff)
	span.End()
	if res != nil {
		rep.Created = res.Created
		rep.Updated = res.Updated
		rep.Hidden = res.Hidden
		rep.Resurrected = res.Resurrected
		rep.KeptHidden = res.KeptHidden
		rep.Failed = res.Failed()
		rep.Cascade.Hidden = res.CascadeHidden
		rep.Cascade.Resurrected = res.CascadeResurrected
	}
	rep.Ambiguous = len(diff.Ambiguous)
	rep.Invalid = len(diff.Invalid)

	importErrors := invalidRowErrors(batch, diff.Invalid)
	if res != nil {
		importErrors = append(importErrors, entityErrors(batch, res.Errors)...)
	}
	if rerr := r.ledger.RecordErrors(context.WithoutCancel(ctx), importErrors); rerr != nil {
		config.LogError(r.logger, "importrun", "execute", "record import errors", batch.ID, rerr)
	}
	if rerr := r.ledger.RecordReviewItems(context.WithoutCancel(ctx), reviewItems(batch, diff.Ambiguous)); rerr != nil {
		config.LogError(r.logger, "importrun", "execute", "record review items", batch.ID, rerr)
	}

	batch.Created = rep.Created
	batch.Updated = rep.Updated
	batch.Hidden = rep.Hidden
	batch.Resurrected = rep.Resurrected
	batch.KeptHidden = rep.KeptHidden
	batch.Ambiguous = rep.Ambiguous
	batch.Invalid = rep.Invalid
	batch.Failed = rep.Failed
	batch.Status = batchStatus(rep)
	if err != nil {
		// Canceled mid-apply; what was written stays and a rerun converges.
		return rep, err
	}
	return rep, nil
}

// batchStatus is success when nothing needs attention, failed when every row
// had a problem, partial otherwise.
func batchStatus(rep *Report) string {
	problems := rep.Ambiguous + rep.Invalid + rep.Failed
	switch {
	case problems == 0:
		return models.ImportStatusSuccess
	case rep.Rows > 0 && rep.Invalid+rep.Ambiguous >= rep.Rows && rep.Created+rep.Updated+rep.Resurrected == 0:
		return models.ImportStatusFailed
	default:
		return models.ImportStatusPartial
	}
}

func anyValid(rows []importer.Row) bool {
	for _, row := range rows {
		if row.Valid() {
			return true
		}
	}
	return false
}

func invalidOf(rows []importer.Row) []reconcile.Invalid {
	out := make([]reconcile.Invalid, 0, len(rows))
	for _, row := range rows {
		if !row.Valid() {
			out = append(out, reconcile.Invalid{Row: row, Reason: row.Reason})
		}
	}
	return out
}

func (r *Runner) records(ctx context.Context, req Request) ([]importer.Record, error) {
	if len(req.Rows) > 0 {
		return importer.RecordsFromMaps(req.Rows), nil
	}
	data, err := r.readSource(ctx, req.SourceObject)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.SourceObject, err)
	}
	return importer.ReadFile(path.Base(req.SourceObject), data, req.Sheet)
}

func payloadJSON(raw importer.RawRow) []byte {
	if len(raw) == 0 {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return b
}

func invalidRowErrors(batch *models.ImportBatch, invalid []reconcile.Invalid) []models.ImportError {
	out := make([]models.ImportError, 0, len(invalid))
	for _, inv := range invalid {
		out = append(out, models.ImportError{
			BatchId:     batch.ID,
			BusinessId:  batch.BusinessId,
			Collection:  batch.Collection,
			RowNumber:   inv.Row.Number,
			NaturalKey:  inv.Row.Data.NaturalKey,
			ErrorCode:   models.ImportErrorInvalidRow,
			Message:     inv.Reason,
			PayloadJSON: payloadJSON(inv.Row.Raw),
		})
	}
	return out
}

func entityErrors(batch *models.ImportBatch, errs []*lifecycle.EntityError) []models.ImportError {
	out := make([]models.ImportError, 0, len(errs))
	for _, e := range errs {
		row := 0
		if len(e.Rows) > 0 {
			row = e.Rows[0]
		}
		out = append(out, models.ImportError{
			BatchId:    batch.ID,
			BusinessId: batch.BusinessId,
			Collection: e.Collection,
			RowNumber:  row,
			NaturalKey: e.NaturalKey,
			EntityId:   e.EntityId,
			ErrorCode:  e.Code,
			Message:    e.Error(),
			Retryable:  e.Retryable,
		})
	}
	return out
}

func reviewItems(batch *models.ImportBatch, ambiguous []reconcile.Ambiguous) []models.ReviewItem {
	out := make([]models.ReviewItem, 0, len(ambiguous))
	for _, a := range ambiguous {
		ids, _ := json.Marshal(a.Err.Candidates)
		out = append(out, models.ReviewItem{
			BatchId:      batch.ID,
			BusinessId:   batch.BusinessId,
			Collection:   batch.Collection,
			RowNumber:    a.Row.Number,
			RawKey:       a.Err.Key,
			MatchedBy:    string(a.Err.MatchedBy),
			CandidateIds: ids,
			PayloadJSON:  payloadJSON(a.Row.Raw),
		})
	}
	return out
}
