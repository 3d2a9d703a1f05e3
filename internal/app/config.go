package app

import (
	"strings"

	"github.com/anvilworks/ragserver/internal/platform/envutil"
)

type Config struct {
	Port         string
	LogMode      string
	TopK         int
	AllowOrigins []string
}

func LoadConfig() Config {
	cfg := Config{
		Port:    envutil.String("PORT", "8080"),
		LogMode: envutil.String("LOG_MODE", "development"),
		TopK:    envutil.Int("RETRIEVAL_TOP_K", 5),
	}
	if raw := envutil.String("CORS_ALLOW_ORIGINS", ""); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				cfg.AllowOrigins = append(cfg.AllowOrigins, origin)
			}
		}
	}
	return cfg
}
