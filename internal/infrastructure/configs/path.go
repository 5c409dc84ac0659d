package configs

import (
	"flag"
	"os"

	"github.com/hilthontt/codesync/internal/infrastructure/env"
)

// DetermineConfigPath resolves --config, then CODESYNC_CONFIG, then the first
// existing candidate. An empty result means defaults and env only.
func DetermineConfigPath() string {
	var configPath string

	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	if configPath == "" {
		configPath = env.GetString("CODESYNC_CONFIG", "")
	}

	if configPath == "" {
		candidates := []string{
			"./config.yaml",
			"./config.yml",
			"/etc/codesync/config.yaml",
			"/app/config.yaml", // common in Docker
		}

		for _, p := range candidates {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
	}

	return configPath
}
