package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Write the county cropland area and SOC summary",
	Long:  "Tabulates rainfed and irrigated cropland area per county and the SOC statistics of each type into the summary CSV.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyBatchFlags(cmd.Flags())
		if cmd.Flags().Changed("areas-only") {
			cfg.Pipeline.AreasOnly, _ = cmd.Flags().GetBool("areas-only")
		}
		if cmd.Flags().Changed("resume") {
			cfg.Pipeline.Resume, _ = cmd.Flags().GetBool("resume")
		}
		if out, _ := cmd.Flags().GetString("out"); out != "" {
			cfg.Data.Summary = out
		}

		env, err := initBatch(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Pipeline.Summarize(ctx)
		return finishBatch(os.Stdout, report, err)
	},
}

// addBatchFlags registers the flags every county batch shares.
func addBatchFlags(fs *pflag.FlagSet) {
	fs.StringSlice("states", nil, "state GID_1 values to process (default all)")
	fs.Int("concurrency", 0, "counties processed in parallel (default from config)")
}

// applyBatchFlags copies explicitly set batch flags onto the config.
func applyBatchFlags(fs *pflag.FlagSet) {
	if fs.Changed("states") {
		cfg.Pipeline.States, _ = fs.GetStringSlice("states")
	}
	if n, _ := fs.GetInt("concurrency"); n > 0 {
		cfg.Pipeline.Concurrency = n
	}
}

func init() {
	addBatchFlags(summarizeCmd.Flags())
	summarizeCmd.Flags().Bool("areas-only", false, "write cropland areas without SOC columns")
	summarizeCmd.Flags().Bool("resume", false, "append to an existing summary and skip finished counties")
	summarizeCmd.Flags().String("out", "", "summary CSV path (default from config)")
	rootCmd.AddCommand(summarizeCmd)
}
