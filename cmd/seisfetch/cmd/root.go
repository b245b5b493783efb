package cmd

import (
	"github.com/spf13/cobra"

	"github.com/pieqf/seisfetch/internal/common"
	commonconfig "github.com/pieqf/seisfetch/internal/common/config"
	"github.com/pieqf/seisfetch/internal/seisfetch/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/seisfetch"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "seisfetch",
		SilenceUsage: true,
		Short:        "Retrieves seismograms of catalogued earthquakes from the nearest stations",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		onceCmd(),
	)

	return cmd
}

func loadConfig(cmd *cobra.Command) (configuration.SeisfetchConfiguration, error) {
	var config configuration.SeisfetchConfiguration
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	if err != nil {
		return config, err
	}

	common.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs)

	err = configuration.ValidateSeisfetchConfiguration(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	if err := common.ApplyLoggingConfig(config.Logging.Level, config.Logging.Format); err != nil {
		return config, err
	}
	return config, nil
}
