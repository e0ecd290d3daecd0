package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"zerg-trader/internal/config"
	"zerg-trader/internal/signal"
)

// MarketContext 为一次分析请求的输入：按时间升序的价格序列。
type MarketContext struct {
	Symbol string
	Prices []float64
}

// Opinion 表示大模型返回的分析意见。
type Opinion struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Strength   float64 `json:"strength"`
	Reasoning  string  `json:"reasoning"`
}

// Validate 校验意见字段合法性。
func (o Opinion) Validate() error {
	action := signal.Action(strings.ToUpper(strings.TrimSpace(o.Action)))
	if !action.Valid() {
		return fmt.Errorf("oracle: action 取值非法: %s", o.Action)
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("oracle: confidence 必须位于[0,1]，当前为 %f", o.Confidence)
	}
	if o.Strength < 0 || o.Strength > 1 {
		return fmt.Errorf("oracle: strength 必须位于[0,1]，当前为 %f", o.Strength)
	}
	return nil
}

// Client 封装大模型分析源。任何调用失败都会退回确定性的指标启发式，
// 保证分析链路不因外部服务不可用而中断。
type Client struct {
	cfg    config.OracleConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 创建分析客户端。未启用或缺少密钥时只使用启发式。
func NewClient(cfg config.OracleConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := &Client{cfg: cfg, logger: logger}
	if cfg.Enabled && cfg.APIKey != "" {
		sdkCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			sdkCfg.BaseURL = cfg.BaseURL
		}
		sdkCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout + 5*time.Second}
		c.sdk = openai.NewClientWithConfig(sdkCfg)
	}
	return c
}

// Analyze 产出一条标的信号：优先调用大模型，失败时退回启发式。
func (c *Client) Analyze(ctx context.Context, market MarketContext) (signal.Signal, error) {
	if market.Symbol == "" {
		return signal.Signal{}, errors.New("oracle: symbol 不能为空")
	}
	if len(market.Prices) == 0 {
		return signal.Signal{}, errors.New("oracle: 价格序列不能为空")
	}

	if c.sdk == nil {
		return heuristicSignal(market), nil
	}

	opinion, err := c.consult(ctx, market)
	if err != nil {
		c.logger.Warn("大模型分析失败，退回启发式",
			zap.String("symbol", market.Symbol),
			zap.Error(err),
		)
		return heuristicSignal(market), nil
	}

	sig := signal.New(AgentID, market.Symbol,
		signal.Action(strings.ToUpper(strings.TrimSpace(opinion.Action))),
		opinion.Confidence, opinion.Strength, opinion.Reasoning)
	sig.Metadata = map[string]interface{}{"source": "model"}
	return sig, nil
}

// consult 在超时约束下调用大模型并解析 JSON 意见。
func (c *Client) consult(ctx context.Context, market MarketContext) (Opinion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	prompt, err := buildPrompt(market)
	if err != nil {
		return Opinion{}, err
	}

	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		return Opinion{}, fmt.Errorf("调用模型失败: %w", err)
	}
	if len(response.Choices) == 0 {
		return Opinion{}, errors.New("模型返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return Opinion{}, errors.New("模型返回内容为空")
	}

	opinion, err := parseOpinion(rawContent)
	if err != nil {
		return Opinion{}, err
	}
	if err := opinion.Validate(); err != nil {
		return Opinion{}, err
	}
	return opinion, nil
}

func parseOpinion(content string) (Opinion, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return Opinion{}, err
	}

	var opinion Opinion
	if err := json.Unmarshal(payload, &opinion); err != nil {
		return Opinion{}, fmt.Errorf("解析意见JSON失败: %w", err)
	}
	return opinion, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}
	return []byte(content[start : end+1]), nil
}
