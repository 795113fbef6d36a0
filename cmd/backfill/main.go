package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/attribution"
	"github.com/ManuelReschke/PayFox/internal/pkg/backfill"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/database"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/eventstore"
	"github.com/ManuelReschke/PayFox/internal/pkg/purchase"
	"github.com/ManuelReschke/PayFox/internal/pkg/s3archive"
)

func main() {
	env.SetupEnvFile()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Errorf("[Backfill] failed: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *runConfig) error {
	database.SetupDatabase()
	db := database.GetDB()

	store := eventstore.NewStore(db, eventstore.WithIPSalt(env.GetEnv("ANALYTICS_IP_SALT", "")))
	recorder := purchase.NewRecorder(store, attribution.NewResolver(db, store))
	reconciler := backfill.New(backfill.NewRepository(db), store, recorder, billing.NewServiceFromDB(db))

	var archive *s3archive.Client
	if cfg.ReportS3 {
		s3cfg, err := s3archive.LoadConfig()
		if err != nil {
			return err
		}
		if archive, err = s3archive.NewClient(ctx, s3cfg); err != nil {
			return err
		}
	}

	runs := []func(context.Context, backfill.Options) (*backfill.Report, error){}
	switch cfg.Command {
	case commandPayments:
		runs = append(runs, reconciler.Payments)
	case commandTrials:
		runs = append(runs, reconciler.Trials)
	default:
		runs = append(runs, reconciler.Payments, reconciler.Trials)
	}

	for _, fn := range runs {
		report, err := fn(ctx, cfg.Options)
		if err != nil {
			return err
		}
		body, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		if archive != nil {
			key := archive.Config().ReportKey(report.Kind, report.Mode, report.FinishedAt)
			if _, err := archive.UploadJSON(ctx, key, body); err != nil {
				return err
			}
		}
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: backfill [payments|trials|all] [flags]")
	fmt.Println("  --apply            insert missing events (dry run otherwise)")
	fmt.Println("  --days N           look back N days (payments 3650, trials 90)")
	fmt.Println("  --batch-size N     rows per page (payments 250, trials 200, max 1000)")
	fmt.Println("  --limit N          stop after N missing events")
	fmt.Println("  --since DATE       window start (YYYY-MM-DD or RFC 3339)")
	fmt.Println("  --until DATE       window end")
	fmt.Println("  --providers LIST   e.g. stripe,pp,spei")
	fmt.Println("  --report-s3        upload the JSON report to S3")
	fmt.Println("Every flag can also be set as BACKFILL_<FLAG>, e.g. BACKFILL_BATCH_SIZE=500.")
}
