package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging sets up the standard logrus logger according to the supplied config.
func ConfigureLogging(config Config) error {
	return configure(log.StandardLogger(), config, os.Stdout)
}

// ConfigureCommandLineLogging sets up logging suitable for short-lived command line tools, where only the log
// message itself is of interest.
func ConfigureCommandLineLogging() {
	log.SetFormatter(new(CommandLineFormatter))
	log.SetOutput(os.Stdout)
}

func configure(logger *log.Logger, config Config, out io.Writer) error {
	if err := config.Validate(); err != nil {
		return err
	}
	level, _ := log.ParseLevel(config.Level)
	logger.SetLevel(level)
	logger.SetOutput(out)
	logger.SetReportCaller(config.ReportCaller)
	if config.Format == FormatJson {
		logger.SetFormatter(&log.JSONFormatter{TimestampFormat: RFC3339Milli})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: RFC3339Milli})
	}
	return nil
}

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"
