package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RedactedValue replaces secrets in printed settings
const RedactedValue = "********"

var secretKeys = []string{"auth.jwt_secret", "admin.password", "events.amqp_url"}

// Defaults returns the built-in settings, ignoring files and the environment
func Defaults() map[string]any {
	v := viper.New()
	applyDefaults(v)
	return v.AllSettings()
}

// Redacted returns the effective settings of v with secrets masked
func Redacted(v *viper.Viper) map[string]any {
	settings := v.AllSettings()
	for _, key := range secretKeys {
		section, field, _ := strings.Cut(key, ".")
		values, ok := settings[section].(map[string]any)
		if !ok {
			continue
		}
		if s, ok := values[field].(string); ok && s != "" {
			values[field] = RedactedValue
		}
	}
	return settings
}

// MarshalYAML renders settings in the layout of inventario.yaml
func MarshalYAML(settings map[string]any) ([]byte, error) {
	out, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
