package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	xerrors "llm-council/internal/errors"
	"llm-council/internal/events"
	"llm-council/internal/llm"
	"llm-council/internal/observability/metrics"
	"llm-council/pkg/logger"
)

const (
	// DefaultTimeout 是单次模型查询的默认超时。
	DefaultTimeout = 120 * time.Second

	eventTimeout = 5 * time.Second
)

// Config 描述访问 OpenAI 兼容网关所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// HTTPClient 为空时使用新的 http.Client，所有查询共享同一连接池。
	HTTPClient *http.Client
}

// Option 定义可选配置。
type Option func(*Client)

// WithPublisher 在每次并行查询结束后投递 council.queried 事件。
func WithPublisher(publisher events.Publisher) Option {
	return func(c *Client) {
		c.publisher = publisher
	}
}

// WithLogger 替换默认的组件日志。
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// Client 通过 OpenAI 兼容网关查询议员模型。单个查询的失败只体现在对应的
// Result 中，不会影响其他查询。
type Client struct {
	api       *openai.Client
	timeout   time.Duration
	log       *slog.Logger
	publisher events.Publisher
}

var _ llm.Client = (*Client)(nil)

// NewClient 根据配置创建网关客户端，进程内只需创建一次。
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供网关 API Key")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	clientCfg.HTTPClient = capturingDoer{next: httpClient}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		api:     openai.NewClientWithConfig(clientCfg),
		timeout: timeout,
		log:     logger.Named("gateway"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// QueryModel 向单个模型发起一次 chat completion 请求，不做重试。timeout<=0
// 时使用客户端默认超时。任何失败都会记录日志并体现在 Result.Err 中。
func (c *Client) QueryModel(ctx context.Context, model string, messages []llm.Message, timeout time.Duration) (result llm.Result) {
	start := time.Now()
	result.Model = model
	defer func() {
		if r := recover(); r != nil {
			result.Response = nil
			result.Err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("查询模型时发生 panic: %v", r))
		}
		result.Latency = time.Since(start)
		c.observe(result)
	}()

	result.Response, result.Err = c.complete(ctx, model, messages, timeout)
	return result
}

func (c *Client) complete(ctx context.Context, model string, messages []llm.Message, timeout time.Duration) (*llm.Response, error) {
	if strings.TrimSpace(model) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "模型标识为空")
	}
	if len(messages) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息列表为空")
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	callCtx, slot := withReasoningSlot(callCtx)

	resp, err := c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: toChatMessages(messages),
	})
	if err != nil {
		return nil, classify(callCtx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeEmptyResponse, "网关响应中没有有效的 choices")
	}

	message := resp.Choices[0].Message
	return &llm.Response{
		Content:          message.Content,
		ReasoningDetails: reasoningDetails(slot, message.ReasoningContent),
	}, nil
}

// QueryModelsParallel 使用相同的消息并发查询所有模型，等待全部结束后返回。
// 结果中每个请求的模型都有一项；重复的模型标识各自查询，按输入顺序后者覆盖前者。
func (c *Client) QueryModelsParallel(ctx context.Context, models []string, messages []llm.Message) map[string]llm.Result {
	results := make([]llm.Result, len(models))

	var group errgroup.Group
	for i, model := range models {
		i, model := i, model
		group.Go(func() error {
			results[i] = c.QueryModel(ctx, model, messages, 0)
			return nil
		})
	}
	_ = group.Wait()

	out := make(map[string]llm.Result, len(models))
	for i, model := range models {
		out[model] = results[i]
	}

	c.publishCouncil(ctx, models, out)
	return out
}

// ListModels 返回网关公布的模型标识，按字典序排列。
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	list, err := c.api.ListModels(callCtx)
	if err != nil {
		return nil, classify(callCtx, err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, model := range list.Models {
		if model.ID != "" {
			ids = append(ids, model.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *Client) observe(result llm.Result) {
	if result.OK() {
		metrics.ObserveModelQuery(result.Model, metrics.OutcomeSuccess, result.Latency)
		c.log.Debug("模型查询完成", "model", result.Model, "latency", result.Latency)
		return
	}

	outcome := metrics.OutcomeFailure
	if xerrors.CodeOf(result.Err) == xerrors.CodeTimeout {
		outcome = metrics.OutcomeTimeout
	}
	metrics.ObserveModelQuery(result.Model, outcome, result.Latency)

	attrs := []any{
		"model", result.Model,
		"code", string(xerrors.CodeOf(result.Err)),
		"retryable", xerrors.RetryableError(result.Err),
		"error", errorString(result.Err),
		"latency", result.Latency,
	}
	if e, ok := xerrors.From(result.Err); ok {
		for key, value := range e.Metadata() {
			attrs = append(attrs, key, value)
		}
	}
	c.log.Log(context.Background(), xerrors.SeverityOf(result.Err).Level(), "查询模型失败", attrs...)
}

func (c *Client) publishCouncil(ctx context.Context, models []string, results map[string]llm.Result) {
	if c.publisher == nil {
		return
	}
	failed := make([]string, 0)
	for model, result := range results {
		if !result.OK() {
			failed = append(failed, model)
		}
	}
	sort.Strings(failed)

	eventCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventTimeout)
	defer cancel()
	events.Emit(eventCtx, c.publisher, events.NewEvent(events.TypeCouncilQueried, map[string]string{
		"models":    strings.Join(models, ","),
		"succeeded": strconv.Itoa(llm.Succeeded(results)),
		"failed":    strings.Join(failed, ","),
	}))
}

func toChatMessages(messages []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	return out
}

// classify 将网关错误映射为统一错误码。
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "请求网关超时")
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status > 0 {
		opts := []xerrors.Option{xerrors.WithMetadata("status", strconv.Itoa(status))}
		// 4xx 中只有限流值得重试；鉴权失败说明密钥配置有误。
		if status >= http.StatusBadRequest && status < http.StatusInternalServerError && status != http.StatusTooManyRequests {
			opts = append(opts, xerrors.WithRetryable(false))
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			opts = append(opts, xerrors.WithSeverity(xerrors.SeverityCritical))
		}
		return xerrors.Wrap(xerrors.CodeGatewayFailure, err, fmt.Sprintf("网关返回错误状态 %d", status), opts...)
	}
	return xerrors.Wrap(xerrors.CodeGatewayFailure, err, "请求网关失败")
}

func errorString(err error) string {
	if err == nil {
		return "response missing"
	}
	return err.Error()
}
