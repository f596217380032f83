package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
router:
  visibility_timeout: 90s
indexer:
  chunk_size: 1000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Router.VisibilityTimeout != 90*time.Second {
		t.Errorf("visibility_timeout = %v, want 90s", cfg.Router.VisibilityTimeout)
	}
	if cfg.Indexer.ChunkSize != 1000 {
		t.Errorf("chunk_size = %d, want 1000", cfg.Indexer.ChunkSize)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_debugTrue(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
debug: true
storage:
  database_path: "test.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
storage:
  database_path: "./data/db/documents.db"
  queue_path: "./data/queues"
inbox:
  directories: ["./dev/inbox"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "db", "documents.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, wantDB)
	}
	if cfg.Storage.QueuePath != filepath.Join(dir, "data", "queues") {
		t.Errorf("queue_path = %s", cfg.Storage.QueuePath)
	}
	if len(cfg.Inbox.Directories) != 1 {
		t.Fatalf("inbox directories: got %d", len(cfg.Inbox.Directories))
	}
	wantInbox := filepath.Join(dir, "dev", "inbox")
	if cfg.Inbox.Directories[0] != wantInbox {
		t.Errorf("inbox directory = %s, want %s", cfg.Inbox.Directories[0], wantInbox)
	}
}

func TestLoad_dotEnvProvidesSecrets(t *testing.T) {
	t.Setenv(EnvLLMToken, "")
	os.Unsetenv(EnvLLMToken)
	t.Setenv(EnvLLMBaseURL, "")
	os.Unsetenv(EnvLLMBaseURL)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("NAGARE_LLM_TOKEN=sk-test\nNAGARE_LLM_BASE_URL=http://localhost:11434/v1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, dir, "storage:\n  database_path: test.db\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Token != "sk-test" {
		t.Errorf("token = %q, want sk-test", cfg.LLM.Token)
	}
	if cfg.Embedding.Provider != "openai" {
		t.Errorf("provider = %q, want openai when base url is configured", cfg.Embedding.Provider)
	}
}

func TestLoad_rejectsUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "storage:\n  driver: mysql\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestLoad_postgresRequiresDSN(t *testing.T) {
	t.Setenv(EnvDSN, "")
	dir := t.TempDir()
	path := writeConfig(t, dir, "storage:\n  driver: postgres\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when dsn is missing")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" {
		t.Errorf("default host: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite3" {
		t.Errorf("default driver: got %s", cfg.Storage.Driver)
	}
	if cfg.Router.MaxDeliveryAttempts != 5 {
		t.Errorf("default max_delivery_attempts: got %d", cfg.Router.MaxDeliveryAttempts)
	}
	if cfg.Workers.MaxRetries != 3 {
		t.Errorf("default max_retries: got %d", cfg.Workers.MaxRetries)
	}
	if cfg.Workers.CollaboratorTimeout != 60*time.Second {
		t.Errorf("default collaborator_timeout: got %v", cfg.Workers.CollaboratorTimeout)
	}
	if cfg.Indexer.ChunkSize != 500 || cfg.Indexer.EmbedMaxChars != 8000 {
		t.Errorf("indexer defaults: got %+v", cfg.Indexer)
	}
	if cfg.Search.RRFK != 60 {
		t.Errorf("default rrf_k: got %d", cfg.Search.RRFK)
	}
	if cfg.Search.KeywordWeight != 0.5 || cfg.Search.SemanticWeight != 0.5 {
		t.Errorf("default weights: got %v/%v", cfg.Search.KeywordWeight, cfg.Search.SemanticWeight)
	}
	if cfg.Embedding.Provider != "hash" {
		t.Errorf("default embedding provider: got %s", cfg.Embedding.Provider)
	}
	if cfg.Inbox.Extensions == nil || cfg.Inbox.Extensions[0] != ".txt" {
		t.Errorf("inbox extensions: got %v", cfg.Inbox.Extensions)
	}
}

func TestApplyDefaults_KeepsExplicitWeights(t *testing.T) {
	cfg := &Config{Search: SearchConfig{KeywordWeight: 0.8}}
	ApplyDefaults(cfg)
	if cfg.Search.KeywordWeight != 0.8 || cfg.Search.SemanticWeight != 0 {
		t.Errorf("explicit weights overwritten: %+v", cfg.Search)
	}
}

func TestApplyDefaults_InboxRecursiveWhenDirectoriesSet(t *testing.T) {
	cfg := &Config{Inbox: InboxConfig{Directories: []string{"/tmp/docs"}}}
	ApplyDefaults(cfg)
	if cfg.Inbox.Recursive == nil || !*cfg.Inbox.Recursive {
		t.Error("recursive should default to true when directories are set")
	}
}

func TestInboxConfig_RecursiveOrDefault(t *testing.T) {
	t.Run("nil_returns_true", func(t *testing.T) {
		w := &InboxConfig{}
		if got := w.RecursiveOrDefault(); !got {
			t.Errorf("RecursiveOrDefault() = %v, want true", got)
		}
	})
	t.Run("false_returns_false", func(t *testing.T) {
		f := false
		w := &InboxConfig{Recursive: &f}
		if got := w.RecursiveOrDefault(); got {
			t.Errorf("RecursiveOrDefault() = %v, want false", got)
		}
	})
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")
	cfg := &Config{
		Server:  ServerConfig{Host: "localhost", Port: 9090},
		Storage: StorageConfig{DatabasePath: "/tmp/db"},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
}
