package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one discovery and tracking pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadEnv()
		if err != nil {
			return err
		}
		quiet, _ := cmd.Flags().GetBool("quiet")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.runner.Run(ctx)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))

		if result.Insights != nil && !quiet {
			a.insights.Print(os.Stdout, result.Insights)
		}
		if !result.OK {
			return fmt.Errorf("run %s failed: %s", result.Date, result.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolP("quiet", "q", false, "Print only the JSON result")
}
