package llm

import (
	"context"
	"encoding/json"
	"time"
)

// 对话消息角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 是发送给模型的一条对话消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response 是模型返回的首个 choice。ReasoningDetails 是服务商给出的推理内容的
// 原始 JSON，不做解析；服务商未提供时为 nil，序列化为 null。
type Response struct {
	Content          string          `json:"content"`
	ReasoningDetails json.RawMessage `json:"reasoning_details"`
}

// Result 描述单个模型的查询结果：成功时 Response 非空，失败时 Err 给出原因。
type Result struct {
	Model    string
	Response *Response
	Err      error
	Latency  time.Duration
}

// OK 判断查询是否成功。
func (r Result) OK() bool {
	return r.Err == nil && r.Response != nil
}

// Client 定义了议会查询所需的网关能力。
type Client interface {
	QueryModel(ctx context.Context, model string, messages []Message, timeout time.Duration) Result
	QueryModelsParallel(ctx context.Context, models []string, messages []Message) map[string]Result
	ListModels(ctx context.Context) ([]string, error)
}

// Responses 将结果集折叠为 模型 -> 响应 的映射，失败的模型对应 nil。
func Responses(results map[string]Result) map[string]*Response {
	out := make(map[string]*Response, len(results))
	for model, result := range results {
		if result.OK() {
			out[model] = result.Response
			continue
		}
		out[model] = nil
	}
	return out
}

// Succeeded 返回成功的模型数量。
func Succeeded(results map[string]Result) int {
	n := 0
	for _, result := range results {
		if result.OK() {
			n++
		}
	}
	return n
}
