package main

import (
	"os"

	"github.com/armadaproject/flowscheduler/cmd/scheduler/cmd"
	"github.com/armadaproject/flowscheduler/internal/common/logging"
)

func main() {
	logging.ConfigureCommandLineLogging()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
