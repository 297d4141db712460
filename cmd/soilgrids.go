package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/cropsoil/internal/soilgrids"
)

var soilgridsCmd = &cobra.Command{
	Use:   "soilgrids",
	Short: "Manage SoilGrids coverages",
}

var soilgridsDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download SoilGrids coverages for each state",
	Long:  "Fetches every configured SoilGrids coverage over each state's buffered bounding box. Existing files are kept.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cmd.Flags().Changed("states") {
			cfg.Pipeline.States, _ = cmd.Flags().GetStringSlice("states")
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.Data.SoilGridsDir
		}

		env, err := initBatch(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		client := soilgrids.NewClient(cfg.SoilGrids.Client(), env.Metrics)
		defer client.Close()

		report, err := env.Pipeline.Download(ctx, client, dir)
		return finishBatch(os.Stdout, report, err)
	},
}

func init() {
	soilgridsDownloadCmd.Flags().StringSlice("states", nil, "state GID_1 values to download (default all)")
	soilgridsDownloadCmd.Flags().String("dir", "", "download directory (default from config)")

	soilgridsCmd.AddCommand(soilgridsDownloadCmd)
	rootCmd.AddCommand(soilgridsCmd)
}
