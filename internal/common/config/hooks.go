package config

import (
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/pieqf/seisfetch/internal/common/util"
)

// CustomHooks replace viper's default decode hooks, so the defaults (durations, comma separated slices) are
// composed back in after our own.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		PeriodHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

// PeriodHookFunc decodes strings such as "1d", "2w" or "30m" into a time.Duration. Bare numbers are days.
func PeriodHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return util.ParsePeriod(data.(string))
	}
}
