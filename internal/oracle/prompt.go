package oracle

import (
	"bytes"
	"fmt"
	"text/template"
)

const opinionTemplate = `
你是一个专业的量化分析师。请根据给定标的的近期价格走势，输出一条方向性观点。

标的: {{ .Symbol }}
近期价格（按时间升序，最新在末尾）:
{{ range .Prices }}{{ printf "%.4f " . }}{{ end }}

分析要求：
1. 先判断趋势方向与动量强弱；
2. 结合近期波动评估观点可信度；
3. 不确定时给出 HOLD，不要勉强给方向。

请严格输出唯一的 JSON 对象，格式如下：
{
  "action": "BUY|SELL|HOLD",      // 方向性结论
  "confidence": 0.0-1.0,           // 对结论的信心度
  "strength": 0.0-1.0,             // 建议的仓位力度
  "reasoning": "..."              // 支撑结论的关键理由
}

注意事项：
- confidence 与 strength 均不得超过 1；
- 所有字段均需填写。
`

var tmpl = template.Must(template.New("opinion").Parse(opinionTemplate))

// buildPrompt 把市场上下文渲染成提示词字符串。
func buildPrompt(market MarketContext) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, market); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}
	return buf.String(), nil
}
