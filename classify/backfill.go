package classify

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/ops_backend/config"
	"github.com/mmdatafocus/ops_backend/models"
)

type Store interface {
	ListUntypedPurchaseOrders(ctx context.Context, businessId string) ([]models.PurchaseOrder, error)
	SetPurchaseOrderType(ctx context.Context, businessId string, poId int, poType string) (bool, error)
}

type BackfillOptions struct {
	BusinessId string
	Hinter     Hinter
	Classifier Classifier
	// Default is assigned when no line item yields a hint. Empty leaves such
	// orders untyped.
	Default Category
	DryRun  bool
	Logger  *logrus.Logger
}

// BackfillOptionsFromEnv reads PO_TYPE_PRIORITY and PO_TYPE_DEFAULT.
func BackfillOptionsFromEnv(businessId string) BackfillOptions {
	return BackfillOptions{
		BusinessId: businessId,
		Hinter:     DefaultHinter(),
		Classifier: Classifier{Priority: Categories(config.PoTypePriority())},
		Default:    Category(config.PoTypeDefault()),
	}
}

type Assignment struct {
	PurchaseOrderId int              `json:"purchase_order_id"`
	OrderNumber     string           `json:"order_number"`
	Type            Category         `json:"type"`
	Votes           map[Category]int `json:"votes"`
	Defaulted       bool             `json:"defaulted"`
	Applied         bool             `json:"applied"`
}

type BackfillResult struct {
	Examined    int           `json:"examined"`
	Assigned    int           `json:"assigned"`
	Defaulted   int           `json:"defaulted"`
	Untyped     int           `json:"untyped"`
	Raced       int           `json:"raced"`
	Assignments []Assignment  `json:"assignments"`
	Duration    time.Duration `json:"duration"`
}

var ErrNoHinter = errors.New("backfill needs a hinter")

// Backfill types every visible untyped purchase order by the vote of its
// visible line items. An order typed by someone else meanwhile is left alone.
func Backfill(ctx context.Context, store Store, opts BackfillOptions) (*BackfillResult, error) {
	if opts.Hinter == nil {
		return nil, ErrNoHinter
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	start := time.Now()

	orders, err := store.ListUntypedPurchaseOrders(ctx, opts.BusinessId)
	if err != nil {
		return nil, err
	}
	res := &BackfillResult{}
	for _, po := range orders {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Examined++

		var hints []Category
		for _, li := range po.VisibleLineItems() {
			if cat, ok := opts.Hinter.Hint(li.HintText()); ok {
				hints = append(hints, cat)
			}
		}
		a := Assignment{PurchaseOrderId: po.ID, OrderNumber: po.OrderNumber(), Votes: Tally(hints)}
		cat, ok := opts.Classifier.Classify(hints)
		if !ok {
			if opts.Default == "" {
				res.Untyped++
				continue
			}
			cat = opts.Default
			a.Defaulted = true
		}
		a.Type = cat

		if !opts.DryRun {
			applied, err := store.SetPurchaseOrderType(ctx, opts.BusinessId, po.ID, string(cat))
			if err != nil {
				config.LogError(logger, "classify", "Backfill", "set po type", map[string]interface{}{
					"purchase_order_id": po.ID,
					"type":              cat,
				}, err)
				return res, err
			}
			if !applied {
				res.Raced++
				continue
			}
			a.Applied = true
		}
		if a.Defaulted {
			res.Defaulted++
		}
		res.Assigned++
		res.Assignments = append(res.Assignments, a)
	}
	res.Duration = time.Since(start)

	logger.WithFields(logrus.Fields{
		"module":      "classify",
		"funcName":    "Backfill",
		"business_id": opts.BusinessId,
		"examined":    res.Examined,
		"assigned":    res.Assigned,
		"defaulted":   res.Defaulted,
		"untyped":     res.Untyped,
		"dry_run":     opts.DryRun,
	}).Info("po type backfill finished")
	return res, nil
}
