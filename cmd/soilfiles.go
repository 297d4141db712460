package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var soilfilesCmd = &cobra.Command{
	Use:   "soilfiles",
	Short: "Write Cycles soil files for counties with cropland",
	Long:  "Selects a representative gSSURGO map unit and SoilGrids point per county and land-use type and writes one soil file for each source.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyBatchFlags(cmd.Flags())
		if dir, _ := cmd.Flags().GetString("soil-dir"); dir != "" {
			cfg.Data.SoilDir = dir
		}
		areas, _ := cmd.Flags().GetString("areas")
		if areas == "" {
			areas = cfg.Data.Summary
		}

		env, err := initBatch(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Pipeline.SoilFiles(ctx, areas)
		return finishBatch(os.Stdout, report, err)
	},
}

func init() {
	addBatchFlags(soilfilesCmd.Flags())
	soilfilesCmd.Flags().String("areas", "", "county cropland area CSV (default the summary path)")
	soilfilesCmd.Flags().String("soil-dir", "", "output directory for soil files (default from config)")
	rootCmd.AddCommand(soilfilesCmd)
}
