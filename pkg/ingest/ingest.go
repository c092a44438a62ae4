// Package ingest is the write path: it turns raw source messages into
// persisted event records through the registered parse, hydrate and filter
// steps.
package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/spotify/comet-core/internal/fingerprint"
	"github.com/spotify/comet-core/internal/logging"
	"github.com/spotify/comet-core/pkg/registry"
	"github.com/spotify/comet-core/pkg/store"
)

type Service struct {
	registry *registry.Registry
	store    *store.DataStore
}

func New(reg *registry.Registry, st *store.DataStore) *Service {
	return &Service{registry: reg, store: st}
}

// HandleMessage runs one raw message through the ingestion pipeline and
// reports whether it was stored. Malformed or filtered messages are
// dropped, never retried: the next detection of the same issue produces
// the same fingerprint anyway.
func (s *Service) HandleMessage(ctx context.Context, sourceType string, rawMessage []byte) bool {
	logger := logging.FromContext(ctx).With(zap.String("source_type", sourceType))

	parser, ok := s.registry.Parser(sourceType)
	if !ok {
		logger.Warn("ingest.unknown_source_type")
		return false
	}

	parsed, err := parser.Parse(rawMessage)
	if err != nil {
		logger.Error("ingest.parse_failed", zap.Error(err))
		return false
	}

	container := &registry.EventContainer{
		SourceType: sourceType,
		Message:    parsed,
	}

	for _, hydrator := range s.registry.Hydrators(sourceType) {
		if err := hydrator.Hydrate(ctx, container); err != nil {
			logger.Error("ingest.hydrate_failed", zap.Error(err))
			return false
		}
	}

	for _, filter := range s.registry.Filters(sourceType) {
		replacement, err := filter.Filter(ctx, container)
		if err != nil {
			logger.Error("ingest.filter_failed", zap.Error(err))
			return false
		}
		if replacement == nil {
			logger.Debug("ingest.event_filtered")
			return false
		}
		container = replacement
	}

	// Hydrators may assign a domain specific fingerprint; the content
	// hash over the full payload is the fallback identity.
	if container.Fingerprint == "" {
		container.Fingerprint = fingerprint.Fingerprint(container.Message, nil, sourceType+"_")
	}

	if err := s.store.AddRecord(ctx, container.Record()); err != nil {
		logger.Error("ingest.store_failed", zap.Error(err))
		return false
	}

	logger.Debug("ingest.event_stored",
		zap.String("fingerprint", container.Fingerprint),
		zap.String("owner", container.Owner))
	return true
}
