package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. DWH_WAREHOUSE_HOST.
const EnvPrefix = "DWH"

// Load reads configuration from path, which may be a file or a directory
// containing config.yaml. Defaults apply to anything the file and
// environment leave unset.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if path != "" {
			v.AddConfigPath(path)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("warehouse.host", "localhost")
	v.SetDefault("warehouse.port", 5432)
	v.SetDefault("warehouse.user", "postgres")
	v.SetDefault("warehouse.password", "postgres")
	v.SetDefault("warehouse.dbname", "dwh")
	v.SetDefault("warehouse.sslmode", "disable")
	v.SetDefault("warehouse.max_conns", 5)

	v.SetDefault("source.kind", string(SourceDatabase))
	v.SetDefault("source.driver", "postgres")
	v.SetDefault("source.host", "localhost")
	v.SetDefault("source.port", 5432)
	v.SetDefault("source.sslmode", "disable")

	v.SetDefault("ledger.reprocess_limit", 100)
	v.SetDefault("ledger.reprocess_after_window", true)

	v.SetDefault("schedule.task_name", "dwh_etl_main")
	v.SetDefault("schedule.cron", "0 2 * * *")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}
