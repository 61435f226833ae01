package logging

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	FormatText = "text"
	FormatJson = "json"
)

var validLogFormats = map[string]bool{
	FormatText: true,
	FormatJson: true,
}

// Config defines scheduler logging configuration.
type Config struct {
	// Log level, e.g. info, error etc
	Level string
	// Logging format, either text or json
	Format string
	// If true, the calling function and file are included in each log line.
	ReportCaller bool
}

func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.Level); err != nil {
		return errors.WithStack(err)
	}
	if !validLogFormats[c.Format] {
		formats := maps.Keys(validLogFormats)
		slices.Sort(formats)
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", c.Format, formats)
	}
	return nil
}
