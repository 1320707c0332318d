package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "segment-cli",
	Short: "Payment ledger RFM profiling and behavioral segmentation",
	Long: "Ingests a payment ledger into per-recipient RFM profiles, clusters them into labeled segments, and tracks clustering tasks.\n\n" +
		"Settings come from ./config.yaml (or --config / SEGMENT_CONFIG), then SEGMENT_* environment variables, then flags.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		path, _ := cmd.Flags().GetString("config")
		c, err := config.LoadFile(path)
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		applyFlagOverrides(cmd.Flags(), c)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		zap.L().Debug("config loaded",
			zap.String("command", cmd.CommandPath()),
			zap.String("store_driver", cfg.Store.Driver),
			zap.String("reference_date", cfg.Ingest.ReferenceDate),
			zap.Int("default_k", cfg.Analysis.DefaultK),
		)
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		_ = zap.L().Sync()
	},
}

// applyFlagOverrides copies explicitly set persistent flags over the loaded config.
func applyFlagOverrides(flags *pflag.FlagSet, c *config.Config) {
	if f := flags.Lookup("driver"); f != nil && f.Changed {
		c.Store.Driver = f.Value.String()
	}
	if f := flags.Lookup("database-url"); f != nil && f.Changed {
		c.Store.DatabaseURL = f.Value.String()
	}
	if f := flags.Lookup("log-level"); f != nil && f.Changed {
		c.Log.Level = f.Value.String()
	}
	if f := flags.Lookup("log-format"); f != nil && f.Changed {
		c.Log.Format = f.Value.String()
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (default ./config.yaml)")
	pf.String("driver", "", "store driver: postgres or sqlite (overrides store.driver)")
	pf.String("database-url", "", "Postgres DSN or SQLite path (overrides store.database_url)")
	pf.String("log-level", "", "log level: debug, info, warn, error (overrides log.level)")
	pf.String("log-format", "", "log format: json or console (overrides log.format)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
