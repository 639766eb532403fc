package cli

import (
	"context"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single sync pass and print its result",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		return runOnce(cmd.Context(), a, cmd.OutOrStdout())
	},
}

// runOnce subscribes only when no cursor was restored, then runs one pass
// synchronously.
func runOnce(ctx context.Context, a *app, out io.Writer) error {
	if a.cursor.Get() == "" {
		if err := a.lease.Start(ctx); err != nil {
			return err
		}
	}

	res, err := a.runner.RunPass(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
