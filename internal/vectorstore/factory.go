package vectorstore

import (
	"github.com/kadirpekel/agentd/internal/apperrors"
	"github.com/kadirpekel/agentd/internal/config"
)

// New selects and constructs a Provider from cfg.VectorStoreProvider
// ("chromem", the embedded default, or "qdrant" for production).
func New(cfg *config.Config) (Provider, error) {
	switch cfg.VectorStoreProvider {
	case "", "chromem":
		return NewChromemProvider(ChromemConfig{
			PersistPath: cfg.VectorStorePersistDir,
			Compress:    cfg.VectorStoreCompress,
		})
	case "qdrant":
		return NewQdrantProvider(QdrantConfig{
			Host:   cfg.QdrantHost,
			Port:   cfg.QdrantPort,
			APIKey: cfg.QdrantAPIKey,
			UseTLS: cfg.QdrantUseTLS,
		})
	default:
		return nil, apperrors.InvalidArgument("vectorstore: unknown provider %q", cfg.VectorStoreProvider)
	}
}
