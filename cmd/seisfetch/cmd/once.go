package cmd

import (
	"github.com/spf13/cobra"

	"github.com/pieqf/seisfetch/internal/common/app"
	"github.com/pieqf/seisfetch/internal/seisfetch"
)

func onceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Retrieves the selected events of the catalog once and exits",
		RunE:  runOnce,
	}
	cmd.Flags().Bool("all", false, "Retrieve every event of the catalog (the default without --mag)")
	cmd.Flags().Float64Slice("mag", []float64{}, "Retrieve the event whose magnitude is closest to this one (repeatable)")
	cmd.Flags().Bool("force", false, "Retrieve events again even if seismograms already exist")
	return cmd
}

func runOnce(cmd *cobra.Command, _ []string) error {
	var options seisfetch.OnceOptions
	var err error
	if options.All, err = cmd.Flags().GetBool("all"); err != nil {
		return err
	}
	if options.Magnitudes, err = cmd.Flags().GetFloat64Slice("mag"); err != nil {
		return err
	}
	if options.Force, err = cmd.Flags().GetBool("force"); err != nil {
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
	return application.RunOnce(ctx, options)
}
