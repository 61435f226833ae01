package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Period   time.Duration `validate:"required"`
	Name     string        `validate:"required"`
	Labels   StringMap
	Attempts int `validate:"gte=1"`
}

func writeFile(t *testing.T, dir, name, contents string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfig_Overrides(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "config.yaml", "period: 5s\nname: base\nattempts: 2\n")
	override := writeFile(t, dir, "override.yaml", "name: override\nlabels: \"zone=b,gpu=true\"\n")

	cfg := testConfig{}
	_, err := LoadConfig(&cfg, base, []string{override}, "TESTCFG")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Period)
	assert.Equal(t, "override", cfg.Name)
	assert.Equal(t, 2, cfg.Attempts)
	assert.Equal(t, StringMap{"zone": "b", "gpu": "true"}, cfg.Labels)
	assert.NoError(t, Validate(cfg))
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg := testConfig{}
	_, err := LoadConfig(&cfg, filepath.Join(t.TempDir(), "missing.yaml"), nil, "TESTCFG")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.Error(t, Validate(testConfig{Name: "x", Attempts: 1}))
	assert.Error(t, Validate(testConfig{Period: time.Second, Name: "x"}))
	assert.NoError(t, Validate(testConfig{Period: time.Second, Name: "x", Attempts: 1}))
}

func TestParseStringMap(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected StringMap
		err      bool
	}{
		"empty":        {input: "", expected: StringMap{}},
		"single":       {input: "a=b", expected: StringMap{"a": "b"}},
		"multiple":     {input: "a=b, c = d", expected: StringMap{"a": "b", "c": "d"}},
		"empty value":  {input: "a=", expected: StringMap{"a": ""}},
		"missing eq":   {input: "a", err: true},
		"missing key":  {input: "=b", err: true},
		"trailing sep": {input: "a=b,", err: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := ParseStringMap(tc.input)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, result)
		})
	}
}
