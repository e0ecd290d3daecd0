package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "zerg"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("bus.history_size", 1000)
	v.SetDefault("bus.staleness_window", "5m")

	v.SetDefault("fusion.min_signals", 2)
	v.SetDefault("fusion.signal_expiry", "5m")
	v.SetDefault("fusion.sweep_interval", "30s")
	v.SetDefault("fusion.weighted_threshold", 0.2)
	v.SetDefault("fusion.vote_threshold", 0.1)
	v.SetDefault("fusion.ml_threshold", 0.2)
	v.SetDefault("fusion.meta_threshold", 0.3)
	v.SetDefault("fusion.allow_hold", false)

	v.SetDefault("risk.max_position_size", 0.10)
	v.SetDefault("risk.max_daily_loss", 0.05)
	v.SetDefault("risk.max_drawdown", 0.15)
	v.SetDefault("risk.max_concentration", 0.25)
	v.SetDefault("risk.max_leverage", 1.0)
	v.SetDefault("risk.min_cash_reserve", 0.10)
	v.SetDefault("risk.stop_loss_percent", 0.02)
	v.SetDefault("risk.risk_free_rate", 0.0001)

	v.SetDefault("portfolio.initial_cash", 100000.0)
	v.SetDefault("portfolio.commission", 1.0)
	v.SetDefault("portfolio.spread_percent", 0.0005)
	v.SetDefault("portfolio.slippage_percent", 0.0005)
	v.SetDefault("portfolio.min_notional", 100.0)
	v.SetDefault("portfolio.rebalance_tolerance", 0.02)

	v.SetDefault("oracle.enabled", false)
	v.SetDefault("oracle.base_url", "https://api.openai.com/v1")
	v.SetDefault("oracle.model", "gpt-4.1")
	v.SetDefault("oracle.timeout", "15s")

	v.SetDefault("database.path", "data/zerg_trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.metrics_interval", "1m")

	v.SetDefault("monitor.port", 8791)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
