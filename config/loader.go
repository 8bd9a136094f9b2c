package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration with precedence: defaults → YAML file →
// environment variables.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a loader with the VOICEBRIDGE env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "VOICEBRIDGE"}
}

// WithConfigPath sets the YAML file to load. Empty means defaults +
// environment only.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment-variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load produces the effective configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
	return cfg, nil
}

// applyEnv walks the config struct and overrides fields from variables
// named PREFIX_SECTION_FIELD, derived from yaml tags. Example:
// VOICEBRIDGE_STT_API_KEY overrides Config.STT.APIKey.
func applyEnv(v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		name := prefix + "_" + strings.ToUpper(tag)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			applyEnv(field, name)
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		setField(field, raw)
	}
}

func setField(field reflect.Value, raw string) {
	switch field.Interface().(type) {
	case time.Duration:
		if d, err := time.ParseDuration(raw); err == nil {
			field.SetInt(int64(d))
		}
		return
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			field.SetBool(b)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			field.SetInt(n)
		}
	case reflect.Float32, reflect.Float64:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			field.SetFloat(f)
		}
	}
}
