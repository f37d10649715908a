package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "llm-council/internal/errors"
	"llm-council/pkg/logger"
)

// 配置文件中识别的键。
const (
	KeyCouncilModels  = "council_models"
	KeyChairmanModel  = "chairman_model"
	KeyTitleModel     = "title_model"
	KeyDataDir        = "data_dir"
	KeyOpenAIAPIKey   = "openai_api_key"
	KeyOpenAIBaseURL  = "openai_base_url"
	KeyListenAddress  = "listen_address"
	KeyRequestTimeout = "request_timeout_seconds"
	KeyLog            = "log"
	KeyEvents         = "events"
)

// 覆盖凭据的环境变量。
const (
	EnvAPIKey     = "OPENAI_API_KEY"
	EnvBaseURL    = "OPENAI_BASE_URL"
	EnvConfigPath = "COUNCIL_CONFIG"
)

const (
	DefaultPath                  = "configs/config.yml"
	DefaultTitleModel            = "gemini-2.5-flash"
	DefaultDataDir               = "data/conversations"
	DefaultListenAddress         = ":8001"
	DefaultRequestTimeoutSeconds = 120

	// PlaceholderAPIKey 在环境变量与配置文件都未提供 API Key 时使用，
	// 下游客户端不接受空凭据。
	PlaceholderAPIKey = "sk-placeholder"
)

// CredentialName 标识可以被环境变量覆盖的凭据。
type CredentialName string

const (
	CredentialAPIKey  CredentialName = "api_key"
	CredentialBaseURL CredentialName = "base_url"
)

func defaults() map[string]any {
	return map[string]any{
		KeyTitleModel:     DefaultTitleModel,
		KeyDataDir:        DefaultDataDir,
		KeyListenAddress:  DefaultListenAddress,
		KeyRequestTimeout: DefaultRequestTimeoutSeconds,
	}
}

// view 缓存四个常用字段，随 Update 一并替换。
type view struct {
	councilModels []string
	chairmanModel string
	titleModel    string
	dataDir       string
}

// Store 持有进程内唯一的配置视图：内置默认值 < 配置文件 < 环境变量（仅凭据）。
type Store struct {
	path string

	mu   sync.RWMutex
	file map[string]any
	view view
}

// ResolvePath 返回配置文件路径，优先读取 COUNCIL_CONFIG。
func ResolvePath() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 读取并校验 YAML 配置文件。文件缺失、格式错误或缺少必填项都会返回错误，
// 调用方应当终止启动。
func Load(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "读取配置文件失败",
			xerrors.WithMetadata("path", path))
	}

	values, err := parse(raw)
	if err != nil {
		return nil, err
	}

	v, err := derive(values)
	if err != nil {
		return nil, err
	}

	return &Store{path: path, file: values, view: v}, nil
}

func parse(raw []byte) (map[string]any, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析配置文件失败")
	}
	if doc == nil {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "配置文件为空")
	}
	return doc, nil
}

// derive 校验必填项并计算派生字段。
func derive(values map[string]any) (view, error) {
	lookup := func(key string) (any, bool) {
		if v, ok := values[key]; ok && v != nil {
			return v, true
		}
		v, ok := defaults()[key]
		return v, ok
	}

	var v view

	raw, ok := lookup(KeyCouncilModels)
	if !ok {
		return v, missingKey(KeyCouncilModels)
	}
	models, ok := toStrings(raw)
	if !ok || len(models) == 0 {
		return v, invalidKey(KeyCouncilModels, "必须是非空的模型标识列表")
	}
	for _, model := range models {
		if strings.TrimSpace(model) == "" {
			return v, invalidKey(KeyCouncilModels, "包含空的模型标识")
		}
	}
	v.councilModels = models

	raw, ok = lookup(KeyChairmanModel)
	if !ok {
		return v, missingKey(KeyChairmanModel)
	}
	chairman, ok := raw.(string)
	if !ok || strings.TrimSpace(chairman) == "" {
		return v, invalidKey(KeyChairmanModel, "必须是非空字符串")
	}
	v.chairmanModel = chairman

	optional := []struct {
		key string
		dst *string
	}{
		{KeyTitleModel, &v.titleModel},
		{KeyDataDir, &v.dataDir},
	}
	for _, field := range optional {
		raw, _ := lookup(field.key)
		value, ok := raw.(string)
		if !ok {
			return v, invalidKey(field.key, "必须是字符串")
		}
		*field.dst = value
	}

	return v, nil
}

func missingKey(key string) error {
	return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("缺少必填配置项 %s", key),
		xerrors.WithMetadata("key", key))
}

func invalidKey(key, reason string) error {
	return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("配置项 %s %s", key, reason),
		xerrors.WithMetadata("key", key))
}

// Path 返回配置文件路径。
func (s *Store) Path() string {
	return s.path
}

// CouncilModels 返回议员模型列表的副本。
func (s *Store) CouncilModels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.view.councilModels...)
}

// ChairmanModel 返回主席模型。
func (s *Store) ChairmanModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view.chairmanModel
}

// TitleModel 返回生成会话标题使用的模型。
func (s *Store) TitleModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view.titleModel
}

// DataDir 返回会话存储目录。
func (s *Store) DataDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view.dataDir
}

// APIKey 返回解析后的网关 API Key，永远非空。
func (s *Store) APIKey() string {
	return s.Credential(CredentialAPIKey)
}

// BaseURL 返回解析后的网关地址，为空表示使用服务商默认地址。
func (s *Store) BaseURL() string {
	return s.Credential(CredentialBaseURL)
}

// Credential 按 环境变量 > 配置文件 > 占位值 的顺序解析凭据。
func (s *Store) Credential(name CredentialName) string {
	var envName, key string
	switch name {
	case CredentialAPIKey:
		envName, key = EnvAPIKey, KeyOpenAIAPIKey
	case CredentialBaseURL:
		envName, key = EnvBaseURL, KeyOpenAIBaseURL
	default:
		return ""
	}

	if value := strings.TrimSpace(os.Getenv(envName)); value != "" {
		return value
	}
	if value := strings.TrimSpace(s.GetString(key, "")); value != "" {
		return value
	}
	if name == CredentialAPIKey {
		return PlaceholderAPIKey
	}
	return ""
}

// Get 返回合并后的配置值，不存在时返回 def。切片与映射返回副本。
func (s *Store) Get(key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.file[key]; ok && v != nil {
		return cloneValue(v)
	}
	if v, ok := defaults()[key]; ok {
		return v
	}
	return def
}

// GetString 返回字符串类型的配置值。
func (s *Store) GetString(key, def string) string {
	if value, ok := s.Get(key, nil).(string); ok {
		return value
	}
	return def
}

// GetInt 返回整数类型的配置值，兼容 YAML 与 JSON 解码出的数字类型。
func (s *Store) GetInt(key string, def int) int {
	switch value := s.Get(key, nil).(type) {
	case int:
		return value
	case int64:
		return int(value)
	case uint64:
		return int(value)
	case float64:
		return int(value)
	default:
		return def
	}
}

// Decode 将某个配置项解码到结构体中，键不存在时返回 false。
func (s *Store) Decode(key string, out any) (bool, error) {
	value := s.Get(key, nil)
	if value == nil {
		return false, nil
	}
	raw, err := yaml.Marshal(value)
	if err != nil {
		return true, xerrors.Wrap(xerrors.CodeConfigInvalid, err, fmt.Sprintf("序列化配置项 %s 失败", key))
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return true, xerrors.Wrap(xerrors.CodeConfigInvalid, err, fmt.Sprintf("解析配置项 %s 失败", key))
	}
	return true, nil
}

// Dump 返回合并后的完整配置（默认值 + 配置文件）的深拷贝，不含环境变量覆盖。
func (s *Store) Dump() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	merged := defaults()
	for k, v := range s.file {
		if v != nil {
			merged[k] = cloneValue(v)
		}
	}
	return merged
}

// Update 将 partial 合并进配置并整体重写配置文件。合并结果校验失败或写盘失败时
// 内存状态保持不变。值为 nil 的键会被删除并回落到默认值。
func (s *Store) Update(partial map[string]any) error {
	if len(partial) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneMap(s.file)
	for key, value := range partial {
		if value == nil {
			delete(next, key)
			continue
		}
		next[key] = cloneValue(value)
	}

	v, err := derive(next)
	if err != nil {
		return err
	}

	encoded, err := encode(next)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConfigPersistFailure, err, "序列化配置失败")
	}
	if err := writeFileAtomic(s.path, encoded); err != nil {
		return xerrors.Wrap(xerrors.CodeConfigPersistFailure, err, "写入配置文件失败",
			xerrors.WithMetadata("path", s.path))
	}

	s.file = next
	s.view = v

	logger.Audit().Info("config.updated", "path", s.path, "keys", sortedKeys(partial))
	return nil
}

func encode(values map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(values); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeFileAtomic 先写入同目录的临时文件再 rename，避免崩溃时留下半截文件。
func writeFileAtomic(path string, data []byte) (err error) {
	perm := os.FileMode(0o644)
	if info, statErr := os.Stat(path); statErr == nil {
		perm = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func toStrings(value any) ([]string, bool) {
	switch items := value.(type) {
	case []string:
		return append([]string(nil), items...), true
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
