package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"zerg-trader/internal/config"
	"zerg-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 启动流水线、周期任务与 API 服务，阻塞到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Bool("oracle_enabled", a.cfg.Oracle.Enabled),
	)

	orch, err := newOrchestrator(a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}

	report := orch.bus.StartAll(ctx)
	if err := report.Err(); err != nil {
		a.logger.Warn("部分代理启动失败", zap.Error(err))
	}

	scheduler := cron.New(cron.WithSeconds())
	if _, err := scheduler.AddFunc(everySpec(a.cfg.Fusion.SweepInterval), orch.fusionEngine.Sweep); err != nil {
		return fmt.Errorf("注册融合扫描任务失败: %w", err)
	}
	if _, err := scheduler.AddFunc(everySpec(a.cfg.Scheduler.MetricsInterval), orch.refreshMetrics); err != nil {
		return fmt.Errorf("注册指标刷新任务失败: %w", err)
	}
	if _, err := scheduler.AddFunc("0 0 0 * * *", orch.portfolioMgr.RollDay); err != nil {
		return fmt.Errorf("注册日度重置任务失败: %w", err)
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	if err := startAPIServer(ctx, orch, a.cfg.Monitor.Port, a.logger); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return orch.run(groupCtx)
	})

	err = group.Wait()

	stopReport := orch.bus.StopAll(context.Background())
	if stopErr := stopReport.Err(); stopErr != nil {
		a.logger.Warn("部分代理停止失败", zap.Error(stopErr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// everySpec 把时间间隔转换为 cron 的 @every 表达式。
func everySpec(d time.Duration) string {
	return "@every " + d.String()
}
