package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	apiorders "github.com/courierhq/dispatchd/api/orders"
	"github.com/courierhq/dispatchd/core/dispatch"
	"github.com/courierhq/dispatchd/core/metrics"
	"github.com/courierhq/dispatchd/core/tracking"
	"github.com/courierhq/dispatchd/infra/mongo"
	"github.com/courierhq/dispatchd/infra/mqtt"
	"github.com/courierhq/dispatchd/infra/redisgeo"
	"github.com/courierhq/dispatchd/infra/routing"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr string                   `json:"http_addr"`
	Dispatch dispatch.Config          `json:"dispatch"`
	Tracking tracking.Config          `json:"tracking"`
	Pricing  apiorders.PricingConfig  `json:"pricing"`
	Metrics  metrics.Config           `json:"metrics"`
	Mongo    mongo.Config             `json:"mongo"`
	RedisGeo redisgeo.Config          `json:"redis_geo"`
	MQTT     mqtt.Config              `json:"mqtt"`
	Routing  routing.Config           `json:"routing"`
}

// SetDefaults applies sane defaults on every section.
func (c *Config) SetDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	c.Dispatch.SetDefaults()
	c.Tracking.SetDefaults()
	c.Pricing.SetDefaults()
	c.Metrics.SetDefaults()
	c.Mongo.SetDefaults()
	c.RedisGeo.SetDefaults()
	c.MQTT.SetDefaults()
	c.Routing.SetDefaults()
}

// Load reads the configuration file, applies K_ environment overrides and
// fills defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return &cfg, nil
}
