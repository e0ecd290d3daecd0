package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Bus       BusConfig       `mapstructure:"bus"`
	Fusion    FusionConfig    `mapstructure:"fusion"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Portfolio PortfolioConfig `mapstructure:"portfolio"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BusConfig 控制消息总线行为。
type BusConfig struct {
	HistorySize     int           `mapstructure:"history_size"`
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
}

// FusionConfig 控制信号融合引擎。
type FusionConfig struct {
	MinSignals        int           `mapstructure:"min_signals"`
	SignalExpiry      time.Duration `mapstructure:"signal_expiry"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	WeightedThreshold float64       `mapstructure:"weighted_threshold"`
	VoteThreshold     float64       `mapstructure:"vote_threshold"`
	MLThreshold       float64       `mapstructure:"ml_threshold"`
	MetaThreshold     float64       `mapstructure:"meta_threshold"`
	AllowHold         bool          `mapstructure:"allow_hold"`
}

// RiskConfig 管理风控约束参数。
type RiskConfig struct {
	MaxPositionSize  float64 `mapstructure:"max_position_size"`
	MaxDailyLoss     float64 `mapstructure:"max_daily_loss"`
	MaxDrawdown      float64 `mapstructure:"max_drawdown"`
	MaxConcentration float64 `mapstructure:"max_concentration"`
	MaxLeverage      float64 `mapstructure:"max_leverage"`
	MinCashReserve   float64 `mapstructure:"min_cash_reserve"`
	StopLossPercent  float64 `mapstructure:"stop_loss_percent"`
	RiskFreeRate     float64 `mapstructure:"risk_free_rate"`
}

// PortfolioConfig 控制组合管理与成本模型。
type PortfolioConfig struct {
	InitialCash        float64 `mapstructure:"initial_cash"`
	Commission         float64 `mapstructure:"commission"`
	SpreadPercent      float64 `mapstructure:"spread_percent"`
	SlippagePercent    float64 `mapstructure:"slippage_percent"`
	MinNotional        float64 `mapstructure:"min_notional"`
	RebalanceTolerance float64 `mapstructure:"rebalance_tolerance"`
}

// OracleConfig 描述大模型分析源调用参数。
type OracleConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制周期任务节奏。
type SchedulerConfig struct {
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
}

// MonitorConfig 控制监控与API接口。
type MonitorConfig struct {
	Port int `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Bus.HistorySize <= 0 {
		err = multierr.Append(err, errors.New("bus.history_size 必须大于0"))
	}
	if c.Bus.StalenessWindow <= 0 {
		err = multierr.Append(err, errors.New("bus.staleness_window 必须大于0"))
	}
	if c.Fusion.MinSignals < 1 {
		err = multierr.Append(err, errors.New("fusion.min_signals 必须大于等于1"))
	}
	if c.Fusion.SignalExpiry <= 0 {
		err = multierr.Append(err, errors.New("fusion.signal_expiry 必须大于0"))
	}
	if c.Fusion.SweepInterval <= 0 {
		err = multierr.Append(err, errors.New("fusion.sweep_interval 必须大于0"))
	}
	if c.Fusion.WeightedThreshold <= 0 || c.Fusion.WeightedThreshold >= 1 {
		err = multierr.Append(err, errors.New("fusion.weighted_threshold 必须位于(0,1)"))
	}
	if c.Fusion.VoteThreshold <= 0 || c.Fusion.VoteThreshold >= 1 {
		err = multierr.Append(err, errors.New("fusion.vote_threshold 必须位于(0,1)"))
	}
	if c.Fusion.MLThreshold <= 0 || c.Fusion.MLThreshold >= 1 {
		err = multierr.Append(err, errors.New("fusion.ml_threshold 必须位于(0,1)"))
	}
	if c.Fusion.MetaThreshold <= 0 || c.Fusion.MetaThreshold >= 1 {
		err = multierr.Append(err, errors.New("fusion.meta_threshold 必须位于(0,1)"))
	}
	if c.Risk.MaxPositionSize <= 0 || c.Risk.MaxPositionSize > 1 {
		err = multierr.Append(err, errors.New("risk.max_position_size 必须位于(0,1]"))
	}
	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss > 1 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss 必须位于(0,1]"))
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown > 1 {
		err = multierr.Append(err, errors.New("risk.max_drawdown 必须位于(0,1]"))
	}
	if c.Risk.MaxConcentration <= 0 || c.Risk.MaxConcentration > 1 {
		err = multierr.Append(err, errors.New("risk.max_concentration 必须位于(0,1]"))
	}
	if c.Risk.MaxLeverage < 1 {
		err = multierr.Append(err, errors.New("risk.max_leverage 必须大于等于1"))
	}
	if c.Risk.MinCashReserve < 0 || c.Risk.MinCashReserve >= 1 {
		err = multierr.Append(err, errors.New("risk.min_cash_reserve 必须位于[0,1)"))
	}
	if c.Risk.StopLossPercent <= 0 || c.Risk.StopLossPercent >= 1 {
		err = multierr.Append(err, errors.New("risk.stop_loss_percent 必须位于(0,1)"))
	}
	if c.Risk.RiskFreeRate < 0 {
		err = multierr.Append(err, errors.New("risk.risk_free_rate 不能为负"))
	}
	if c.Portfolio.InitialCash <= 0 {
		err = multierr.Append(err, errors.New("portfolio.initial_cash 必须大于0"))
	}
	if c.Portfolio.Commission < 0 {
		err = multierr.Append(err, errors.New("portfolio.commission 不能为负"))
	}
	if c.Portfolio.SpreadPercent < 0 || c.Portfolio.SpreadPercent > 0.1 {
		err = multierr.Append(err, errors.New("portfolio.spread_percent 应位于[0,0.1]"))
	}
	if c.Portfolio.SlippagePercent < 0 || c.Portfolio.SlippagePercent > 0.1 {
		err = multierr.Append(err, errors.New("portfolio.slippage_percent 应位于[0,0.1]"))
	}
	if c.Portfolio.MinNotional < 0 {
		err = multierr.Append(err, errors.New("portfolio.min_notional 不能为负"))
	}
	if c.Portfolio.RebalanceTolerance <= 0 || c.Portfolio.RebalanceTolerance >= 1 {
		err = multierr.Append(err, errors.New("portfolio.rebalance_tolerance 必须位于(0,1)"))
	}
	if c.Oracle.Enabled {
		if c.Oracle.Model == "" {
			err = multierr.Append(err, errors.New("oracle.model 不能为空"))
		}
		if c.Oracle.Timeout <= 0 {
			err = multierr.Append(err, errors.New("oracle.timeout 必须大于0"))
		}
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.MetricsInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.metrics_interval 必须大于0"))
	}
	if c.Monitor.Port <= 0 || c.Monitor.Port > 65535 {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
