package cmd

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/armadaproject/flowscheduler/internal/common/armadacontext"
	"github.com/armadaproject/flowscheduler/internal/scheduler"
	"github.com/armadaproject/flowscheduler/internal/scheduler/jobspec"
	"github.com/armadaproject/flowscheduler/internal/scheduler/model"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the scheduler",
		Long: "Runs the scheduler on the local runtime. Without --job it runs until terminated. " +
			"With --job it submits the given job files, waits for every job to finish, prints their results and exits.",
		RunE: runScheduler,
	}
	cmd.Flags().StringSlice("job", []string{}, "Job description file to submit (repeat or separate with commas)")
	return cmd
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	jobFiles, err := cmd.Flags().GetStringSlice("job")
	if err != nil {
		return errors.WithStack(err)
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}
	// Parse every file up front so that a broken one fails before the scheduler starts.
	specs, err := parseJobFiles(jobFiles)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return scheduler.Run(config, nil)
	}

	var failed []model.JobId
	err = scheduler.Run(config, func(ctx *armadacontext.Context, s *scheduler.Scheduler) error {
		ids := make([]model.JobId, 0, len(specs))
		for _, spec := range specs {
			id, err := s.SubmitSpec(ctx, spec)
			if err != nil {
				return errors.WithMessagef(err, "error submitting job %s", spec.Name)
			}
			ids = append(ids, id)
		}
		for _, id := range ids {
			result, err := s.AwaitJob(ctx, id)
			if err != nil {
				return err
			}
			if result.Status != model.JobFinished {
				failed = append(failed, id)
			}
			if err := printResult(cmd.OutOrStdout(), result); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return errors.Errorf("%d jobs did not finish successfully: %v", len(failed), failed)
	}
	return nil
}

func parseJobFiles(paths []string) ([]*jobspec.JobSpec, error) {
	specs := make([]*jobspec.JobSpec, 0, len(paths))
	for _, path := range paths {
		spec, err := jobspec.ParseFile(path)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

type resultView struct {
	Id       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Status   string            `yaml:"status"`
	Tasks    string            `yaml:"tasks"`
	Duration string            `yaml:"duration,omitempty"`
	Cause    string            `yaml:"cause,omitempty"`
	Results  map[string]string `yaml:"results,omitempty"`
}

func printResult(w io.Writer, result *scheduler.JobResult) error {
	view := resultView{
		Id:      string(result.Id),
		Name:    result.Name,
		Status:  result.Status.String(),
		Tasks:   fmt.Sprintf("%d/%d finished", result.FinishedCount, result.TotalCount),
		Results: map[string]string{},
	}
	if !result.StartTime.IsZero() {
		view.Duration = result.FinishedTime.Sub(result.StartTime).String()
	}
	if result.Cause != nil {
		view.Cause = result.Cause.TaskName + ": " + result.Cause.Error
	}
	for name, taskResult := range result.Results {
		if taskResult.HadError() {
			view.Results[name] = "error: " + taskResult.Error
		} else {
			view.Results[name] = taskResult.Value
		}
	}
	out, err := yaml.Marshal([]resultView{view})
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = w.Write(out)
	return errors.WithStack(err)
}
