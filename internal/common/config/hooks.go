package config

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// StringMap is decoded either from a yaml map or from a "k1=v1,k2=v2" string, the latter being what
// environment variables and command line overrides provide.
type StringMap map[string]string

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		StringMapDecodeHook(),
		mapstructure.TextUnmarshallerHookFunc(),
	)),
}

func StringMapDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(StringMap{}) {
			return data, nil
		}
		return ParseStringMap(data.(string))
	}
}

func ParseStringMap(s string) (StringMap, error) {
	result := StringMap{}
	s = strings.TrimSpace(s)
	if s == "" {
		return result, nil
	}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errors.Errorf("invalid key=value pair %q", pair)
		}
		result[k] = strings.TrimSpace(v)
	}
	return result, nil
}
