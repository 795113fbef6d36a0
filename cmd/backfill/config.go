package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ManuelReschke/PayFox/internal/pkg/backfill"
)

const (
	commandPayments = "payments"
	commandTrials   = "trials"
	commandAll      = "all"
)

type runConfig struct {
	Command  string
	Options  backfill.Options
	ReportS3 bool
}

// loadConfig reads flags first, then BACKFILL_* environment variables for
// anything left unset.
func loadConfig(args []string) (*runConfig, error) {
	fs := pflag.NewFlagSet("backfill", pflag.ContinueOnError)
	fs.Bool("apply", false, "insert missing events (default is a dry run)")
	fs.Int("days", 0, "look back this many days when --since is not given")
	fs.Int("batch-size", 0, "rows per keyset page (max 1000)")
	fs.Int("limit", 0, "stop after this many missing events")
	fs.String("since", "", "window start, YYYY-MM-DD or RFC 3339")
	fs.String("until", "", "window end, YYYY-MM-DD or RFC 3339")
	fs.String("providers", "", "comma separated providers (stripe, oxxo, paypal, pp, conekta, spei, patreon)")
	fs.Bool("report-s3", false, "upload the JSON report to S3")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("BACKFILL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	cfg := &runConfig{Command: commandAll, ReportS3: v.GetBool("report-s3")}
	if rest := fs.Args(); len(rest) > 0 {
		cfg.Command = strings.ToLower(rest[0])
	}
	switch cfg.Command {
	case commandPayments, commandTrials, commandAll:
	default:
		return nil, fmt.Errorf("unknown command %q, want payments, trials or all", cfg.Command)
	}

	since, err := backfill.ParseDate(v.GetString("since"))
	if err != nil {
		return nil, fmt.Errorf("--since: %w", err)
	}
	until, err := backfill.ParseDate(v.GetString("until"))
	if err != nil {
		return nil, fmt.Errorf("--until: %w", err)
	}
	providers, err := backfill.ParseProviders(v.GetString("providers"))
	if err != nil {
		return nil, fmt.Errorf("--providers: %w", err)
	}
	cfg.Options = backfill.Options{
		Apply:     v.GetBool("apply"),
		Days:      v.GetInt("days"),
		BatchSize: v.GetInt("batch-size"),
		Limit:     v.GetInt("limit"),
		Since:     since,
		Until:     until,
		Providers: providers,
	}
	return cfg, nil
}
