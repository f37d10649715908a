package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	xerrors "llm-council/internal/errors"
)

const baseConfig = `council_models:
  - a
  - b
chairman_model: c
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearCredentialEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvBaseURL, "")
}

func TestLoadAppliesDefaults(t *testing.T) {
	store, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	models := store.CouncilModels()
	if len(models) != 2 || models[0] != "a" || models[1] != "b" {
		t.Fatalf("unexpected council models: %v", models)
	}
	if store.ChairmanModel() != "c" {
		t.Fatalf("unexpected chairman: %q", store.ChairmanModel())
	}
	if store.TitleModel() != DefaultTitleModel {
		t.Fatalf("unexpected title model: %q", store.TitleModel())
	}
	if got := store.Get(KeyDataDir, "default/path"); got != "data/conversations" {
		t.Fatalf("unexpected data dir: %v", got)
	}
	if got := store.Get("unknown", "fallback"); got != "fallback" {
		t.Fatalf("unexpected fallback: %v", got)
	}
	if store.GetInt(KeyRequestTimeout, 0) != DefaultRequestTimeoutSeconds {
		t.Fatalf("unexpected timeout default")
	}
}

func TestLoadCustomDataDirIgnoresEnvironment(t *testing.T) {
	t.Setenv("DATA_DIR", "/from/env")
	store, err := Load(writeConfig(t, baseConfig+"data_dir: custom/convos\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.Get(KeyDataDir, "default/path"); got != "custom/convos" {
		t.Fatalf("unexpected data dir: %v", got)
	}
	if store.DataDir() != "custom/convos" {
		t.Fatalf("derived accessor out of sync: %q", store.DataDir())
	}
}

func TestLoadFailsFatally(t *testing.T) {
	cases := map[string]string{
		"missing council":  "chairman_model: c\n",
		"missing chairman": "council_models: [a, b]\n",
		"empty council":    "council_models: []\nchairman_model: c\n",
		"council not list": "council_models: a\nchairman_model: c\n",
		"chairman not str": "council_models: [a]\nchairman_model: [c]\n",
		"malformed":        "council_models: [a\n",
		"not a mapping":    "- a\n- b\n",
		"empty document":   "",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			if err == nil {
				t.Fatalf("expected load to fail")
			}
			if xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
				t.Fatalf("unexpected error code: %v", err)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestLoadReportsInvalidKeysInOrder(t *testing.T) {
	path := writeConfig(t, baseConfig+"title_model: [x]\ndata_dir: 7\n")
	for i := 0; i < 20; i++ {
		_, err := Load(path)
		e, ok := xerrors.From(err)
		if !ok || e.Code() != xerrors.CodeConfigInvalid {
			t.Fatalf("unexpected error: %v", err)
		}
		if e.Metadata()["key"] != KeyTitleModel {
			t.Fatalf("attempt %d reported %q, want %q", i, e.Metadata()["key"], KeyTitleModel)
		}
	}
}

func TestCredentialEnvironmentOverridesFile(t *testing.T) {
	clearCredentialEnv(t)
	store, err := Load(writeConfig(t, baseConfig+"openai_api_key: file-key\nopenai_base_url: http://file/v1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.APIKey() != "file-key" || store.BaseURL() != "http://file/v1" {
		t.Fatalf("file credentials not used: %q %q", store.APIKey(), store.BaseURL())
	}

	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvBaseURL, "http://env/v1")
	if store.APIKey() != "env-key" {
		t.Fatalf("env key should win, got %q", store.APIKey())
	}
	if store.BaseURL() != "http://env/v1" {
		t.Fatalf("env base url should win, got %q", store.BaseURL())
	}
}

func TestCredentialFallbacks(t *testing.T) {
	clearCredentialEnv(t)
	store, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.APIKey() != PlaceholderAPIKey {
		t.Fatalf("expected placeholder key, got %q", store.APIKey())
	}
	if store.BaseURL() != "" {
		t.Fatalf("base url should resolve to empty, got %q", store.BaseURL())
	}
	if store.Credential(CredentialName("other")) != "" {
		t.Fatalf("unknown credential should be empty")
	}
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	path := writeConfig(t, baseConfig+"listen_address: \":9000\"\n")
	store, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.Update(map[string]any{KeyTitleModel: "x"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if store.TitleModel() != "x" {
		t.Fatalf("derived accessor not refreshed: %q", store.TitleModel())
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.TitleModel() != "x" {
		t.Fatalf("title model not persisted: %q", reloaded.TitleModel())
	}
	models := reloaded.CouncilModels()
	if len(models) != 2 || models[0] != "a" || models[1] != "b" {
		t.Fatalf("council models changed: %v", models)
	}
	if reloaded.ChairmanModel() != "c" || reloaded.GetString(KeyListenAddress, "") != ":9000" {
		t.Fatalf("unrelated keys changed: %+v", reloaded.Dump())
	}
}

func TestUpdateAcceptsStringSlices(t *testing.T) {
	store, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Update(map[string]any{KeyCouncilModels: []string{"d", "e", "f"}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	reloaded, err := Load(store.Path())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := reloaded.CouncilModels(); len(got) != 3 || got[2] != "f" {
		t.Fatalf("unexpected council models: %v", got)
	}
}

func TestUpdateRejectsInvalidState(t *testing.T) {
	path := writeConfig(t, baseConfig)
	store, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before, _ := os.ReadFile(path)

	err = store.Update(map[string]any{KeyCouncilModels: []any{}, KeyTitleModel: "y"})
	if xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected invalid config error, got %v", err)
	}
	if store.TitleModel() != DefaultTitleModel {
		t.Fatalf("in-memory state changed after rejected update")
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Fatalf("file rewritten after rejected update")
	}
}

func TestUpdateNilRemovesKey(t *testing.T) {
	store, err := Load(writeConfig(t, baseConfig+"title_model: custom\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Update(map[string]any{KeyTitleModel: nil}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if store.TitleModel() != DefaultTitleModel {
		t.Fatalf("expected default title model, got %q", store.TitleModel())
	}
}

func TestUpdatePersistFailureKeepsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(baseConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	store, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove dir: %v", err)
	}

	err = store.Update(map[string]any{KeyTitleModel: "x"})
	if xerrors.CodeOf(err) != xerrors.CodeConfigPersistFailure {
		t.Fatalf("expected persist failure, got %v", err)
	}
	if store.TitleModel() != DefaultTitleModel {
		t.Fatalf("state changed despite persist failure")
	}
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	store, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.Update(map[string]any{fmt.Sprintf("extra_%d", i): i}); err != nil {
				t.Errorf("update %d failed: %v", i, err)
			}
			_ = store.CouncilModels()
		}(i)
	}
	wg.Wait()

	reloaded, err := Load(store.Path())
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	for i := 0; i < 16; i++ {
		if reloaded.GetInt(fmt.Sprintf("extra_%d", i), -1) != i {
			t.Fatalf("update %d lost", i)
		}
	}
}

func TestDumpIsDeepCopy(t *testing.T) {
	store, err := Load(writeConfig(t, baseConfig+"log:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dump := store.Dump()
	dump[KeyCouncilModels].([]any)[0] = "mutated"
	dump[KeyLog].(map[string]any)["level"] = "error"

	if store.CouncilModels()[0] != "a" {
		t.Fatalf("dump mutation leaked into store")
	}
	var logCfg struct {
		Level string `yaml:"level"`
	}
	ok, err := store.Decode(KeyLog, &logCfg)
	if err != nil || !ok {
		t.Fatalf("decode log: ok=%v err=%v", ok, err)
	}
	if logCfg.Level != "debug" {
		t.Fatalf("dump mutation leaked into nested map: %q", logCfg.Level)
	}
	if dump[KeyTitleModel] != DefaultTitleModel {
		t.Fatalf("dump should include defaults")
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if ResolvePath() != DefaultPath {
		t.Fatalf("unexpected default path %q", ResolvePath())
	}
	t.Setenv(EnvConfigPath, "/etc/council.yml")
	if ResolvePath() != "/etc/council.yml" {
		t.Fatalf("env path not honoured")
	}
}
