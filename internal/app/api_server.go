package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"zerg-trader/internal/monitor"
	"zerg-trader/internal/risk"
	"zerg-trader/internal/signal"
)

// startAPIServer 暴露系统状态查询与控制接口。
func startAPIServer(ctx context.Context, o *orchestrator, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/portfolio", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, o.portfolioMgr.Portfolio())
	})

	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, o.portfolioMgr.Portfolio().Positions)
	})

	mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 100)
		writeJSON(w, logger, o.portfolioMgr.Trades(limit))
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, map[string]interface{}{
			"risk":        o.riskMgr.Metrics(),
			"performance": o.portfolioMgr.Performance(),
		})
	})

	mux.HandleFunc("/alerts", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("all") == "true" {
			writeJSON(w, logger, o.riskMgr.Alerts())
			return
		}
		writeJSON(w, logger, o.riskMgr.ActiveAlerts())
	})

	mux.HandleFunc("/alerts/resolve", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			http.Error(w, "missing alert id", http.StatusBadRequest)
			return
		}
		if err := o.riskMgr.ResolveAlert(id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, logger, map[string]string{"resolved": id})
	})

	mux.HandleFunc("/constraints", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, logger, o.riskMgr.Constraints())
		case http.MethodPost:
			var cons risk.Constraints
			if err := json.NewDecoder(r.Body).Decode(&cons); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := o.riskMgr.UpdateConstraints(cons); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			writeJSON(w, logger, cons)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/agents/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, o.bus.Health())
	})

	mux.HandleFunc("/agents/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			report := o.bus.StartAll(r.Context())
			writeJSON(w, logger, batchResponse(report.Succeeded, report.Failures))
			return
		}
		if err := o.bus.Start(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, logger, map[string]string{"started": id})
	})

	mux.HandleFunc("/agents/stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			report := o.bus.StopAll(r.Context())
			writeJSON(w, logger, batchResponse(report.Succeeded, report.Failures))
			return
		}
		if err := o.bus.Stop(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, logger, map[string]string{"stopped": id})
	})

	mux.HandleFunc("/signals", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var sig signal.Signal
		if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if sig.ID == "" || sig.Timestamp.IsZero() {
			filled := signal.New(sig.AgentID, sig.Symbol, sig.Action, sig.Confidence, sig.Strength, sig.Reasoning)
			filled.Metadata = sig.Metadata
			sig = filled
		}
		if err := o.IngestSignal(sig); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, logger, map[string]string{"accepted": sig.ID})
	})

	mux.HandleFunc("/benchmark", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			ReturnPct float64 `json:"return_pct"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		o.riskMgr.ObserveBenchmark(body.ReturnPct)
		writeJSON(w, logger, map[string]float64{"observed": body.ReturnPct})
	})

	mux.HandleFunc("/prices", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var prices map[string]float64
		if err := json.NewDecoder(r.Body).Decode(&prices); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		o.UpdatePrices(r.Context(), prices)
		writeJSON(w, logger, map[string]int{"updated": len(prices)})
	})

	mux.HandleFunc("/rebalance", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var targets map[string]float64
		if err := json.NewDecoder(r.Body).Decode(&targets); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		runID, err := o.portfolioMgr.BeginRebalance(targets)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, logger, map[string]string{"run_id": runID})
	})

	mux.HandleFunc("/rebalance/status", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		report, err := o.portfolioMgr.RebalanceStatus(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, logger, report)
	})

	mux.HandleFunc("/rebalance/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSpace(r.URL.Query().Get("id"))
		if err := o.portfolioMgr.CancelRebalance(id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, logger, map[string]string{"cancelled": id})
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := queryInt(r, "limit", 200)
		if limit > 1000 {
			limit = 1000
		}

		eventType := monitor.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = monitor.EventType(strings.ToLower(typ))
		}

		events, err := o.monitorSvc.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, events)
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭API服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API服务异常", zap.Error(err))
		}
	}()

	logger.Info("API接口已启动", zap.String("addr", addr))
	return nil
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("写入响应失败", zap.Error(err))
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func batchResponse(succeeded []string, failures map[string]error) map[string]interface{} {
	failed := make(map[string]string, len(failures))
	for id, err := range failures {
		failed[id] = err.Error()
	}
	return map[string]interface{}{
		"succeeded": succeeded,
		"failures":  failed,
	}
}
