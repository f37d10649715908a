package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"llm-council/internal/config"
	xerrors "llm-council/internal/errors"
	"llm-council/internal/events"
	"llm-council/internal/llm"
	"llm-council/internal/observability/metrics"
	"llm-council/pkg/logger"
)

const redacted = "********"

// ConfigStore 是 API 依赖的配置能力。
type ConfigStore interface {
	Dump() map[string]any
	Update(partial map[string]any) error
	CouncilModels() []string
}

// Server 暴露配置管理与议会查询的 REST 接口。
type Server struct {
	addr      string
	config    ConfigStore
	gateway   llm.Client
	publisher events.Publisher
	log       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithPublisher 在配置更新后投递 config.updated 事件。
func WithPublisher(publisher events.Publisher) Option {
	return func(s *Server) {
		s.publisher = publisher
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, store ConfigStore, gateway llm.Client, opts ...Option) *Server {
	s := &Server{addr: addr, config: store, gateway: gateway, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/config", s.instrument("/api/v1/config", s.handleConfig))
	mux.Handle("/api/v1/models", s.instrument("/api/v1/models", s.handleModels))
	mux.Handle("/api/v1/council", s.instrument("/api/v1/council", s.handleCouncil))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", "address", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, redact(s.config.Dump()))
	case http.MethodPut:
		s.handleUpdateConfig(w, r)
	default:
		http.Error(w, "仅支持 GET/PUT", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	// 前端回传的脱敏值不能覆盖真实密钥。
	if partial[config.KeyOpenAIAPIKey] == redacted {
		delete(partial, config.KeyOpenAIAPIKey)
	}

	if err := s.config.Update(partial); err != nil {
		s.fail(w, r, "更新配置失败", err, http.StatusInternalServerError)
		return
	}

	keys := make([]string, 0, len(partial))
	for key := range partial {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	events.Emit(r.Context(), s.publisher, events.NewEvent(events.TypeConfigUpdated, map[string]string{
		"keys":       strings.Join(keys, ","),
		"request_id": requestID(r),
	}))

	writeJSON(w, http.StatusOK, redact(s.config.Dump()))
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	models, err := s.gateway.ListModels(r.Context())
	if err != nil {
		s.fail(w, r, "获取模型列表失败", err, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

// CouncilRequest 是议会并行查询的请求体，Models 为空时使用配置中的议员列表。
type CouncilRequest struct {
	Models   []string      `json:"models,omitempty"`
	Messages []llm.Message `json:"messages"`
}

func (s *Server) handleCouncil(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req CouncilRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "messages 不能为空", http.StatusBadRequest)
		return
	}
	models := req.Models
	if len(models) == 0 {
		models = s.config.CouncilModels()
	}

	results := s.gateway.QueryModelsParallel(r.Context(), models, req.Messages)
	writeJSON(w, http.StatusOK, llm.Responses(results))
}

// statusFor 将统一错误码映射为 HTTP 状态码，无法归类的错误使用 fallback。
func statusFor(err error, fallback int) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeConfigInvalid:
		return http.StatusBadRequest
	case xerrors.CodeConfigPersistFailure:
		return http.StatusInternalServerError
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	if xerrors.RetryableError(err) {
		return http.StatusServiceUnavailable
	}
	return fallback
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error, fallback int) {
	status := statusFor(err, fallback)
	s.log.Log(r.Context(), xerrors.SeverityOf(err).Level(), msg,
		"code", string(xerrors.CodeOf(err)),
		"status", status,
		"error", err.Error(),
		"request_id", requestID(r),
	)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	body := err.Error()
	if e, ok := xerrors.From(err); ok {
		body = string(e.Code()) + ": " + e.Message()
	}
	http.Error(w, body, status)
}

func redact(values map[string]any) map[string]any {
	if key, ok := values[config.KeyOpenAIAPIKey].(string); ok && key != "" {
		values[config.KeyOpenAIAPIKey] = redacted
	}
	return values
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type requestIDKey struct{}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为请求分配 X-Request-ID 并记录指标。
func (s *Server) instrument(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
