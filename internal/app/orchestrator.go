package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"zerg-trader/internal/agent"
	"zerg-trader/internal/bus"
	"zerg-trader/internal/config"
	"zerg-trader/internal/event"
	"zerg-trader/internal/fusion"
	"zerg-trader/internal/monitor"
	"zerg-trader/internal/oracle"
	"zerg-trader/internal/portfolio"
	"zerg-trader/internal/risk"
	"zerg-trader/internal/signal"
	"zerg-trader/internal/store"
)

// 每个标的保留的价格样本上限，用于驱动代理分析。
const priceHistoryLimit = 100

// 信号接收通道缓冲，生产方不因流水线繁忙而阻塞。
const intakeBuffer = 512

// orchestrator 把总线、融合、风控与组合串成完整流水线：
// 原始信号 → 融合 → 风控闸门 → 组合执行 → 风控快照回推。
type orchestrator struct {
	cfg      *config.Config
	logger   *zap.Logger
	notifier *event.Notifier

	bus          *bus.Bus
	fusionEngine *fusion.Engine
	riskMgr      *risk.Manager
	portfolioMgr *portfolio.Manager
	monitorSvc   *monitor.Service
	oracleAgent  *oracle.Agent

	intake chan signal.Signal

	mu           sync.Mutex
	priceHistory map[string][]float64
}

func newOrchestrator(cfg *config.Config, logger *zap.Logger, sqliteStore *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	notifier := event.NewNotifier(256, logger)

	monitorSvc, err := monitor.NewService(sqliteStore, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	tracker := fusion.NewPerformanceTracker()
	perfLookup := func(agentID string) (risk.AgentEstimate, bool) {
		perf := tracker.Lookup(agentID)
		if perf.TotalSignals == 0 {
			return risk.AgentEstimate{}, false
		}
		return risk.AgentEstimate{
			WinProbability: perf.Accuracy,
			AverageReturn:  perf.AverageReturn,
		}, true
	}

	riskMgr := risk.NewManager(cfg.Risk, perfLookup, notifier, logger)
	portfolioMgr := portfolio.NewManager(cfg.Portfolio, riskMgr, notifier, logger)
	portfolioMgr.SetEvaluationHook(func(sig signal.Signal, eval risk.Evaluation) {
		monitorSvc.RecordRisk(context.Background(), sig, eval)
	})

	o := &orchestrator{
		cfg:          cfg,
		logger:       logger,
		notifier:     notifier,
		riskMgr:      riskMgr,
		portfolioMgr: portfolioMgr,
		monitorSvc:   monitorSvc,
		intake:       make(chan signal.Signal, intakeBuffer),
		priceHistory: make(map[string][]float64),
	}

	o.fusionEngine = fusion.NewEngine(cfg.Fusion, tracker, o.onFused, logger)
	o.bus = bus.New(cfg.Bus, notifier, logger)

	if cfg.Oracle.Enabled {
		client := oracle.NewClient(cfg.Oracle, logger)
		o.oracleAgent = oracle.NewAgent(client, logger)
		if err := o.bus.Register(o.oracleAgent); err != nil {
			return nil, fmt.Errorf("注册分析源代理失败: %w", err)
		}
	}

	return o, nil
}

// IngestSignal 接收一条外部原始信号，满载时拒绝而不阻塞。
func (o *orchestrator) IngestSignal(sig signal.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	select {
	case o.intake <- sig:
		return nil
	default:
		return fmt.Errorf("信号接收通道已满")
	}
}

// UpdatePrices 更新行情：组合盯市、累积价格序列并触发代理分析。
func (o *orchestrator) UpdatePrices(ctx context.Context, prices map[string]float64) {
	o.portfolioMgr.UpdateMarketPrices(prices)

	o.mu.Lock()
	symbols := make([]string, 0, len(prices))
	for sym, price := range prices {
		if price <= 0 {
			continue
		}
		series := append(o.priceHistory[sym], price)
		if len(series) > priceHistoryLimit {
			series = series[len(series)-priceHistoryLimit:]
		}
		o.priceHistory[sym] = series
		symbols = append(symbols, sym)
	}
	o.mu.Unlock()

	for _, sym := range symbols {
		o.requestAnalysis(ctx, sym)
	}
}

// requestAnalysis 让运行中的分析源代理针对标的产出信号。
func (o *orchestrator) requestAnalysis(ctx context.Context, symbol string) {
	if o.oracleAgent == nil || !o.oracleAgent.Running() {
		return
	}

	o.mu.Lock()
	series := append([]float64(nil), o.priceHistory[symbol]...)
	o.mu.Unlock()
	if len(series) == 0 {
		return
	}

	signals, err := o.oracleAgent.Analyze(ctx, agent.AnalysisRequest{
		Symbol:      symbol,
		Prices:      series,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		o.logger.Warn("代理分析失败", zap.String("symbol", symbol), zap.Error(err))
		o.monitorSvc.RecordError(ctx, "代理分析失败", err, map[string]interface{}{"symbol": symbol})
		return
	}
	for _, sig := range signals {
		if err := o.IngestSignal(sig); err != nil {
			o.logger.Warn("分析信号提交失败", zap.Error(err))
		}
	}
}

// run 驱动流水线主循环：消费原始信号并分发通知事件。
func (o *orchestrator) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig := <-o.intake:
			o.monitorSvc.RecordSignalIngest(ctx, sig)
			if err := o.fusionEngine.Submit(sig); err != nil {
				o.logger.Warn("信号进入融合引擎失败", zap.Error(err))
				o.monitorSvc.RecordError(ctx, "信号融合提交失败", err, nil)
			}

		case evt := <-o.notifier.Alerts():
			o.handleAlertEvent(ctx, evt)

		case evt := <-o.notifier.Trades():
			if trade, ok := evt.Payload.(portfolio.Trade); ok {
				o.monitorSvc.RecordExecution(ctx, trade)
				o.reportOutcome(trade)
			}

		case <-o.notifier.Portfolio():
			// 组合快照已在风控侧消费，这里仅消耗通道。

		case evt := <-o.notifier.Errors():
			if notice, ok := evt.Payload.(event.ErrorNotice); ok {
				o.monitorSvc.RecordError(ctx, notice.Message, nil, notice.Context)
			}
		}
	}
}

// handleAlertEvent 分发告警通道事件：止损转组合强平，
// 紧急停止触发代理全停，普通告警入册。
func (o *orchestrator) handleAlertEvent(ctx context.Context, evt event.Event) {
	switch evt.Type {
	case event.TypeStopLoss:
		notice, ok := evt.Payload.(event.StopLossNotice)
		if !ok {
			return
		}
		if err := o.portfolioMgr.HandleStopLoss(notice); err != nil {
			o.logger.Error("止损处置失败", zap.String("symbol", notice.Symbol), zap.Error(err))
			o.monitorSvc.RecordError(ctx, "止损处置失败", err, map[string]interface{}{"symbol": notice.Symbol})
		}

	case event.TypeEmergencyStop:
		notice, _ := evt.Payload.(event.EmergencyStopNotice)
		o.logger.Error("触发紧急停止，停止全部代理",
			zap.String("alert_id", notice.AlertID),
			zap.String("message", notice.Message),
		)
		report := o.bus.StopAll(ctx)
		if err := report.Err(); err != nil {
			o.logger.Error("紧急停止存在失败项", zap.Error(err))
		}

	case event.TypeRiskAlert:
		if alert, ok := evt.Payload.(risk.Alert); ok {
			o.monitorSvc.RecordAlert(ctx, alert)
		}
	}
}

// onFused 消费融合产出：入册、交给组合管理器并执行批准的交易。
func (o *orchestrator) onFused(sig signal.Signal) {
	ctx := context.Background()
	o.monitorSvc.RecordFusion(ctx, sig)

	trade, err := o.portfolioMgr.ProcessSignal(sig)
	if err != nil {
		o.logger.Warn("处理融合信号失败", zap.Error(err))
		o.monitorSvc.RecordError(ctx, "处理融合信号失败", err, nil)
		return
	}
	if trade == nil {
		return
	}
	if trade.Status != portfolio.StatusPending {
		o.monitorSvc.RecordExecution(ctx, *trade)
		return
	}

	if err := o.portfolioMgr.ExecuteTrade(trade); err != nil {
		o.logger.Warn("执行交易失败", zap.String("trade_id", trade.ID), zap.Error(err))
		o.monitorSvc.RecordError(ctx, "执行交易失败", err, map[string]interface{}{"trade_id": trade.ID})
	}
}

// reportOutcome 把平仓盈亏回灌融合引擎，驱动代理信任度更新。
func (o *orchestrator) reportOutcome(trade portfolio.Trade) {
	if trade.Status != portfolio.StatusFilled || trade.Action != signal.ActionSell {
		return
	}
	realized, ok := trade.Metadata["realized_pnl"].(float64)
	if !ok {
		return
	}
	notional := trade.Price * trade.Quantity
	if notional <= 0 {
		return
	}
	o.fusionEngine.ReportOutcome(trade.SignalIDs, realized > 0, realized/notional)
}

// refreshMetrics 为周期任务：把最新组合快照回推风控，驱动指标重算。
func (o *orchestrator) refreshMetrics() {
	o.riskMgr.UpdatePortfolio(o.portfolioMgr.Snapshot())
}
