package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/ops_backend/classify"
	"github.com/mmdatafocus/ops_backend/config"
	"github.com/mmdatafocus/ops_backend/models"
	"github.com/mmdatafocus/ops_backend/utils"
	"github.com/sirupsen/logrus"
)

func main() {
	businessId := flag.String("business-id", "", "Business ID to backfill (optional; default = every business with purchase orders)")
	dryRun := flag.Bool("dry-run", true, "Print assignments without writing")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		panic("database not initialized")
	}
	logger := config.GetLogger()
	if logger == nil {
		logger = logrus.New()
	}

	var businessIds []string
	if strings.TrimSpace(*businessId) != "" {
		businessIds = []string{strings.TrimSpace(*businessId)}
	} else {
		ctx := utils.SetSkipTenantScopeInContext(context.Background(), true)
		if err := db.WithContext(ctx).Model(&models.PurchaseOrder{}).Distinct().Pluck("business_id", &businessIds).Error; err != nil {
			panic(err)
		}
	}

	store := models.NewGormStore(db)
	exit := 0
	for _, bid := range businessIds {
		if bid == "" {
			continue
		}
		opts := classify.BackfillOptionsFromEnv(bid)
		opts.DryRun = *dryRun
		opts.Logger = logger

		ctx := utils.SetBusinessIdInContext(context.Background(), bid)
		res, err := classify.Backfill(ctx, store, opts)
		if err != nil {
			logger.WithFields(logrus.Fields{"business_id": bid}).Error(err)
			exit = 1
			continue
		}
		for _, a := range res.Assignments {
			fmt.Printf("%s\tpo=%d\t%s\t%s\tapplied=%v\n", bid, a.PurchaseOrderId, a.OrderNumber, a.Type, a.Applied)
		}
	}
	os.Exit(exit)
}
