package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// LoadConfig reads the config file at defaultPath and then merges each of the override files on top of it, in order.
// Environment variables prefixed with envPrefix override any value found in a file.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "error reading base config path %s", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config from %s", overrideConfig)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, CustomHooks...); err != nil {
		return nil, errors.WithStack(err)
	}
	return v, nil
}

// Validate runs struct validation over config, logging every failed field before returning.
func Validate(config interface{}) error {
	err := validator.New().Struct(config)
	if err != nil {
		LogValidationErrors(err)
	}
	return err
}
