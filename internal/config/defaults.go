package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite3"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/nagare/data/db/documents.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/nagare/data/indices/bleve"
	}
	if cfg.Storage.QueuePath == "" {
		cfg.Storage.QueuePath = "/usr/local/var/nagare/data/queues"
	}
	if cfg.Router.MaxDeliveryAttempts == 0 {
		cfg.Router.MaxDeliveryAttempts = 5
	}
	if cfg.Router.VisibilityTimeout == 0 {
		cfg.Router.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.Router.PollInterval == 0 {
		cfg.Router.PollInterval = 500 * time.Millisecond
	}
	if cfg.Router.MaintenanceSpec == "" {
		cfg.Router.MaintenanceSpec = "*/10 * * * *"
	}
	if cfg.Workers.ClassifyConcurrency == 0 {
		cfg.Workers.ClassifyConcurrency = 4
	}
	if cfg.Workers.ExtractConcurrency == 0 {
		cfg.Workers.ExtractConcurrency = 4
	}
	if cfg.Workers.MaxRetries == 0 {
		cfg.Workers.MaxRetries = 3
	}
	if cfg.Workers.BackoffBase == 0 {
		cfg.Workers.BackoffBase = 2 * time.Second
	}
	if cfg.Workers.BackoffMax == 0 {
		cfg.Workers.BackoffMax = time.Minute
	}
	if cfg.Workers.CollaboratorTimeout == 0 {
		cfg.Workers.CollaboratorTimeout = 60 * time.Second
	}
	if cfg.Indexer.ChunkSize == 0 {
		cfg.Indexer.ChunkSize = 500
	}
	if cfg.Indexer.FlushInterval == 0 {
		cfg.Indexer.FlushInterval = 2 * time.Second
	}
	if cfg.Indexer.EmbedMaxChars == 0 {
		cfg.Indexer.EmbedMaxChars = 8000
	}
	if cfg.Indexer.EmbedConcurrency == 0 {
		cfg.Indexer.EmbedConcurrency = 8
	}
	if cfg.Indexer.WriteRetries == 0 {
		cfg.Indexer.WriteRetries = 3
	}
	if cfg.Indexer.WriteRetryBase == 0 {
		cfg.Indexer.WriteRetryBase = 2 * time.Second
	}
	if cfg.Indexer.FailureSampleSize == 0 {
		cfg.Indexer.FailureSampleSize = 5
	}
	if cfg.Indexer.Consumers == 0 {
		cfg.Indexer.Consumers = 1
	}
	if cfg.Embedding.Provider == "" {
		if cfg.LLM.BaseURL != "" {
			cfg.Embedding.Provider = "openai"
		} else {
			cfg.Embedding.Provider = "hash"
		}
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.CacheTTL == 0 {
		cfg.Embedding.CacheTTL = time.Hour
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.MaxLimit == 0 {
		cfg.Search.MaxLimit = 100
	}
	if cfg.Search.TopKCandidates == 0 {
		cfg.Search.TopKCandidates = 200
	}
	if cfg.Search.RRFK == 0 {
		cfg.Search.RRFK = 60
	}
	if cfg.Search.KeywordWeight == 0 && cfg.Search.SemanticWeight == 0 {
		cfg.Search.KeywordWeight = 0.5
		cfg.Search.SemanticWeight = 0.5
	}
	if cfg.LLM.ChatModel == "" {
		cfg.LLM.ChatModel = "gpt-4o-mini"
	}
	if cfg.LLM.EmbeddingModel == "" {
		cfg.LLM.EmbeddingModel = "text-embedding-3-small"
	}
	if len(cfg.LLM.Categories) == 0 {
		cfg.LLM.Categories = []string{"invoice", "contract", "report", "correspondence", "other"}
	}
	if cfg.Content.MaxBytes == 0 {
		cfg.Content.MaxBytes = 16 << 20
	}
	if cfg.Inbox.Extensions == nil {
		cfg.Inbox.Extensions = []string{".txt", ".md", ".rst", ".csv", ".json", ".pdf", ".docx", ".xlsx", ".pptx", ".odt", ".odp", ".ods"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Inbox.Directories) > 0 && cfg.Inbox.Recursive == nil {
		t := true
		cfg.Inbox.Recursive = &t
	}
}
