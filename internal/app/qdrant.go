package app

import (
	"context"
	"log/slog"

	qdrantcli "github.com/fairyhunter13/ai-request-router/internal/adapter/vector/qdrant"
)

// Embedding dimension of the provider chain's embed models. The collection is
// created once with it; changing it requires reindexing.
const embedDimension = 768

// EnsureCollections creates the configured Qdrant collection when it does not
// exist yet. Failure is logged, not fatal: search degrades until the store
// comes back.
func EnsureCollections(ctx context.Context, qcli *qdrantcli.Client, logger *slog.Logger) {
	if qcli == nil {
		return
	}
	if err := qcli.EnsureCollection(ctx, embedDimension, "Cosine"); err != nil {
		logger.Warn("qdrant collection bootstrap failed",
			slog.String("collection", qcli.Collection()),
			slog.Any("error", err))
	}
}
