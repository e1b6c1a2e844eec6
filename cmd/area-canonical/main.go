package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/ops_backend/areas"
	"github.com/mmdatafocus/ops_backend/config"
	"github.com/mmdatafocus/ops_backend/models"
	"github.com/mmdatafocus/ops_backend/utils"
	"github.com/sirupsen/logrus"
)

func main() {
	businessId := flag.String("business-id", "", "Business ID (required)")
	group := flag.String("group", "", "Group key to act on")
	variantId := flag.Int("variant-id", 0, "Mark this area variant canonical for -group")
	name := flag.String("name", "", "Mark the variant with this name canonical for -group")
	auto := flag.Bool("auto", false, "Propose and apply a canonical for -group, or every unresolved group when -group is empty")
	list := flag.Bool("list", false, "Print the variants of -group")
	flag.Parse()

	bid := strings.TrimSpace(*businessId)
	if bid == "" {
		flag.Usage()
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		panic("database not initialized")
	}
	logger := config.GetLogger()
	if logger == nil {
		logger = logrus.New()
	}

	ctx := utils.SetBusinessIdInContext(context.Background(), bid)
	store := models.NewGormStore(db)
	idx := areas.NewIndex(store, bid)
	groupKey := strings.TrimSpace(*group)

	var out any
	var err error
	switch {
	case *variantId > 0:
		out, err = idx.SetCanonical(ctx, groupKey, *variantId)
	case strings.TrimSpace(*name) != "":
		out, err = idx.SetCanonicalByName(ctx, groupKey, *name)
	case *auto && groupKey != "":
		out, err = idx.AutoCanonicalize(ctx, groupKey)
	case *auto:
		out, err = idx.AutoCanonicalizeAll(ctx)
	case *list:
		out, err = idx.Group(ctx, groupKey)
	default:
		var variants []models.MissionArea
		variants, err = store.ListAreaVariants(ctx, bid)
		if err == nil {
			out = areas.Audit(variants)
		}
	}
	if err != nil {
		logger.WithFields(logrus.Fields{"business_id": bid, "group_key": groupKey}).Error(err)
		os.Exit(1)
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
	if report, ok := out.(areas.AuditReport); ok && !report.Clean() {
		os.Exit(3)
	}
}
