package memory

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/cogflow/internal/audit"
	"github.com/fyrsmithlabs/cogflow/internal/config"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"go.uber.org/zap"
)

// NewVectorBackend builds the chromem or qdrant backend named by
// cfg.Provider.
func NewVectorBackend(cfg config.VectorConfig, embedder Embedder, logger *logging.Logger) (Backend, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemBackend(cfg, embedder, logger)
	case "qdrant":
		return NewQdrantBackend(cfg, embedder, logger)
	default:
		return nil, fmt.Errorf("%w: unknown vector provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// NewBackends builds one backend per memory kind: in-process private
// memory, vector backends for the two shared kinds and the audit store for
// audit memory. Backends are returned unconnected; call ConnectAll.
func NewBackends(cfg config.MemoryConfig, embedder Embedder, auditStore audit.Store, logger *logging.Logger) (*Registry, error) {
	reg := NewRegistry()
	semantic, err := NewVectorBackend(cfg.Semantic, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("semantic memory: %w", err)
	}
	procedural, err := NewVectorBackend(cfg.Procedural, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("procedural memory: %w", err)
	}

	for kind, b := range map[Kind]Backend{
		KindPrivateEphemeral: NewInMemoryBackend(),
		KindSharedSemantic:   semantic,
		KindSharedProcedural: procedural,
		KindAudit:            NewAuditBackend(auditStore),
	} {
		if err := reg.Register(kind, b); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// NewGatewayFromConfig builds a gateway over reg using the identities and
// scrubbing settings of cfg.
func NewGatewayFromConfig(cfg config.MemoryConfig, reg *Registry, logger *logging.Logger) (*Gateway, error) {
	opts := []GatewayOption{
		WithDefaultCommitAuthority(cfg.CommitAuthority),
		WithSystemWriter(cfg.SystemWriter),
		WithLogger(logger),
	}
	if cfg.ScrubSecrets {
		s, err := NewGitleaksScrubber()
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithScrubber(s))
	} else {
		logger.Named("gateway").Warn(context.Background(), "secret scrubbing disabled for shared memory", zap.String("commit_authority", cfg.CommitAuthority))
	}
	return NewGateway(reg, opts...), nil
}
