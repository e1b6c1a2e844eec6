package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mmdatafocus/ops_backend/config"
	"github.com/mmdatafocus/ops_backend/importrun"
	"github.com/mmdatafocus/ops_backend/models"
	"github.com/mmdatafocus/ops_backend/utils"
	"github.com/sirupsen/logrus"
)

// readSource reads gs:// objects through GCS and anything else from disk.
func readSource(ctx context.Context, object string) ([]byte, error) {
	if strings.HasPrefix(object, "gs://") {
		return utils.ReadSourceObject(ctx, object)
	}
	return os.ReadFile(object)
}

func main() {
	businessId := flag.String("business-id", "", "Business ID to import into (required)")
	collection := flag.String("collection", "", "purchase_orders, line_items, mission_areas or missionaries")
	sourceId := flag.String("source-id", "", "Legacy source identifier (required)")
	file := flag.String("file", "", "CSV/XLSX path or gs://bucket/object")
	sheet := flag.String("sheet", "", "Worksheet name for XLSX files (default: first sheet)")
	fullSnapshot := flag.String("full-snapshot", "", "true when the file lists every live entity, false for a partial batch")
	batchId := flag.String("batch-id", "", "Reuse a batch id to resume an earlier run")
	migrate := flag.Bool("migrate", false, "Run AutoMigrate before importing")
	upload := flag.Bool("upload", false, "Copy a local file to GCS_BUCKET first so the batch can be retried from the API")
	flag.Parse()

	logger := config.GetLogger()
	if logger == nil {
		logger = logrus.New()
	}

	full, err := strconv.ParseBool(strings.TrimSpace(*fullSnapshot))
	if err != nil {
		fmt.Fprintln(os.Stderr, "-full-snapshot must be declared as true or false")
		os.Exit(2)
	}
	if strings.TrimSpace(*businessId) == "" || strings.TrimSpace(*file) == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		panic("database not initialized")
	}
	if *migrate {
		if err := models.MigrateTable(db); err != nil {
			panic(err)
		}
	}

	source := strings.TrimSpace(*file)
	if *upload && !strings.HasPrefix(source, "gs://") {
		data, err := os.ReadFile(source)
		if err != nil {
			panic(err)
		}
		if source, err = utils.UploadSourceObject(ctx, strings.TrimSpace(*businessId), source, data); err != nil {
			panic(err)
		}
		logger.WithFields(logrus.Fields{"business_id": *businessId, "source_object": source}).Info("uploaded source file")
	}

	runner := importrun.NewRunner(
		models.NewGormStore(db),
		importrun.NewGormLedger(db),
		importrun.NewRedisLocker(config.GetRedisLock(), config.ImportLockTTL()),
		importrun.OptionsFromEnv(),
		importrun.WithSourceReader(readSource),
	)
	rep, err := runner.Run(ctx, importrun.Request{
		BatchId:        strings.TrimSpace(*batchId),
		BusinessId:     strings.TrimSpace(*businessId),
		Collection:     models.Collection(strings.TrimSpace(*collection)),
		SourceId:       strings.TrimSpace(*sourceId),
		IsFullSnapshot: &full,
		SourceObject:   source,
		Sheet:          *sheet,
		TriggeredBy:    models.ImportTriggeredCLI,
	})
	if rep != nil {
		out, _ := json.MarshalIndent(rep, "", "  ")
		fmt.Println(string(out))
	}
	if err != nil {
		logger.WithFields(logrus.Fields{"business_id": *businessId, "file": *file}).Error(err)
		os.Exit(1)
	}
	if rep.Status != models.ImportStatusSuccess {
		os.Exit(3)
	}
}
