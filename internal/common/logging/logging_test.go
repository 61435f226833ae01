package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		config Config
		valid  bool
	}{
		"text":          {Config{Level: "info", Format: "text"}, true},
		"json":          {Config{Level: "debug", Format: "json"}, true},
		"bad level":     {Config{Level: "loud", Format: "text"}, false},
		"bad format":    {Config{Level: "info", Format: "xml"}, false},
		"missing level": {Config{Format: "text"}, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestConfigureJson(t *testing.T) {
	logger := log.New()
	buf := &bytes.Buffer{}
	require.NoError(t, configure(logger, Config{Level: "warn", Format: FormatJson}, buf))

	logger.Info("dropped")
	logger.WithField("job", "a").Warn("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	entry := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "a", entry["job"])
}

func TestWithStacktrace(t *testing.T) {
	logger, hook := test.NewNullLogger()
	err := errors.Wrap(errors.New("inner"), "outer")
	WithStacktrace(log.NewEntry(logger), err).Error("failed")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, err, hook.LastEntry().Data[log.ErrorKey])
	assert.NotNil(t, hook.LastEntry().Data[Stacktrace])
}

func TestExtractStack_NoStack(t *testing.T) {
	assert.Nil(t, ExtractStack(stackless{}))
}

type stackless struct{}

func (stackless) Error() string { return "stackless" }

func TestExtractStack_Innermost(t *testing.T) {
	inner := errors.New("inner")
	err := fmt.Errorf("context: %w", errors.WithStack(inner))
	assert.Equal(t, inner.(stackTracer).StackTrace(), ExtractStack(err))
}

func TestCommandLineFormatter(t *testing.T) {
	tests := map[string]struct {
		entry    *log.Entry
		expected string
	}{
		"message only": {
			entry:    &log.Entry{Message: "job finished", Data: log.Fields{}},
			expected: "job finished\n",
		},
		"with error": {
			entry:    &log.Entry{Message: "job failed", Data: log.Fields{log.ErrorKey: errors.New("boom")}},
			expected: "job failed: boom\n",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			out, err := new(CommandLineFormatter).Format(tc.entry)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, string(out))
		})
	}
}
