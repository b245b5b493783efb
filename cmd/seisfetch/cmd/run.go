package cmd

import (
	"github.com/spf13/cobra"

	"github.com/pieqf/seisfetch/internal/common/app"
	"github.com/pieqf/seisfetch/internal/seisfetch"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Retrieves every new event of the catalog until interrupted",
		RunE:  runSeisfetch,
	}
	cmd.Flags().Bool("force", false, "Retrieve events again even if seismograms already exist")
	return cmd
}

func runSeisfetch(cmd *cobra.Command, _ []string) error {
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	application, err := seisfetch.NewApp(config, nil, nil)
	if err != nil {
		return err
	}
	ctx := app.CreateContextWithShutdown()
	app.OnHangup(ctx, application.Reload)
	return application.Run(ctx, force)
}
