package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/twoears/hcomb/pkg/check"
)

// NewViper returns a viper instance with every key defaulted from Default.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	bs, err := json.Marshal(Default())
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal default configuration")
	}
	var defaults map[string]interface{}
	if err := json.Unmarshal(bs, &defaults); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal default configuration")
	}
	setDefaults(v, "", defaults)
	return v, nil
}

func setDefaults(v *viper.Viper, prefix string, m map[string]interface{}) {
	for k, val := range m {
		key := strings.TrimPrefix(prefix+"."+k, ".")
		if nested, ok := val.(map[string]interface{}); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Load merges the YAML file at v's config_file setting into v and decodes the result. Values
// set on v directly, e.g. bound flags, take precedence over the file, which takes precedence
// over the defaults.
func Load(v *viper.Viper) (*Config, error) {
	bs, err := readConfigFile(v.GetString("config_file"))
	if err != nil {
		return nil, err
	}
	if len(bs) > 0 {
		var configMap map[string]interface{}
		if err := yaml.Unmarshal(bs, &configMap); err != nil {
			return nil, errors.Wrap(err, "cannot unmarshal yaml configuration file")
		}
		if err := v.MergeConfigMap(configMap); err != nil {
			return nil, errors.Wrap(err, "can't merge configuration to viper")
		}
	}

	bs, err = json.Marshal(v.AllSettings())
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal configuration map into json bytes")
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(bs, cfg, yaml.DisallowUnknownFields); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal configuration")
	}
	if err := check.Validate(*cfg); err != nil {
		return nil, errors.Wrap(err, "illegal configuration")
	}
	return cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	bs, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "error reading configuration file")
	}
	return bs, nil
}
