package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/armadaproject/flowscheduler/internal/common/logging"
	"github.com/armadaproject/flowscheduler/internal/scheduler/configuration"
)

const (
	CustomConfigLocation  string = "config"
	DefaultConfigLocation string = "defaultConfig"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "scheduler",
		SilenceUsage: true,
		Short:        "Schedules workflow jobs onto compute nodes",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	cmd.PersistentFlags().String(
		DefaultConfigLocation,
		"./config/scheduler/config.yaml",
		"Path to the base configuration file, on top of which the files given with --config are merged")
	_ = viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))
	_ = viper.BindPFlag(DefaultConfigLocation, cmd.PersistentFlags().Lookup(DefaultConfigLocation))

	cmd.AddCommand(
		runCmd(),
		validateCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	config, err := configuration.Load(viper.GetString(DefaultConfigLocation), viper.GetStringSlice(CustomConfigLocation))
	if err != nil {
		return config, err
	}
	if err := logging.ConfigureLogging(config.Logging); err != nil {
		return config, err
	}
	return config, nil
}
