package cmd

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/armadaproject/flowscheduler/internal/scheduler/jobdb"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobspec"
)

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [job files]",
		Short: "Validates the configuration and job description files without running anything",
		RunE:  validate,
	}
	return cmd
}

func validate(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, path := range args {
		spec, err := jobspec.ParseFile(path)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
			continue
		}
		spec.ApplyDefaults(config.JobDefaults.Priority, config.JobDefaults.RestartMode)
		def, err := spec.ToDefinition()
		if err == nil {
			_, err = jobdb.BuildJob("validate", def, time.Now())
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: job %s with %d tasks is valid\n", path, spec.Name, len(def.Tasks))
	}
	return result.ErrorOrNil()
}
