// Package scheduler drives the event lifecycle: it debounces unprocessed
// batches, decides which events reach their owner, and escalates what was
// not addressed in time.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spotify/comet-core/internal/config"
	"github.com/spotify/comet-core/internal/duration"
	"github.com/spotify/comet-core/internal/logging"
	"github.com/spotify/comet-core/pkg/ingest"
	"github.com/spotify/comet-core/pkg/models"
	"github.com/spotify/comet-core/pkg/registry"
	"github.com/spotify/comet-core/pkg/store"
)

// defaultEscalateCadence applies to real-time events whose config provider
// does not set escalate_cadence.
const defaultEscalateCadence = 36 * time.Hour

type Scheduler struct {
	conf     *config.SchedulerConfig
	registry *registry.Registry
	store    *store.DataStore
	ingest   *ingest.Service
}

func New(conf *config.SchedulerConfig, reg *registry.Registry, st *store.DataStore, ing *ingest.Service) *Scheduler {
	return &Scheduler{conf: conf, registry: reg, store: st, ingest: ing}
}

// Run starts the registered inputs and polls until ctx is cancelled. The
// loop is strictly sequential, a pass always runs to completion before the
// shutdown check.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.registry.StartInputs(ctx, s.ingest.HandleMessage); err != nil {
		return err
	}
	defer s.registry.StopInputs()

	logger := logging.FromContext(ctx)
	logger.Info("scheduler.started", zap.Duration("poll_interval", s.conf.PollInterval))

	for {
		s.ProcessUnprocessedEvents(ctx)
		s.HandleNonAddressedEvents(ctx)

		select {
		case <-ctx.Done():
			logger.Info("scheduler.stopped")
			return nil
		case <-time.After(s.conf.PollInterval):
		}
	}
}

// ProcessUnprocessedEvents runs one scheduling pass over every source type
// with a registered parser. Each source type works on its own merged
// config copy and inside its own transaction; a failing source type is
// logged and retried on the next pass.
func (s *Scheduler) ProcessUnprocessedEvents(ctx context.Context) {
	logger := logging.FromContext(ctx)
	for _, sourceType := range s.registry.ParserSourceTypes() {
		conf := s.registry.BatchConfig(s.conf, sourceType)
		err := s.store.Transaction(ctx, func(tx *store.DataStore) error {
			return s.processSourceType(ctx, tx, sourceType, conf)
		})
		if err != nil {
			logger.Error("scheduler.pass_failed",
				zap.String("source_type", sourceType), zap.Error(err))
		}
	}
}

func (s *Scheduler) processSourceType(ctx context.Context, tx *store.DataStore, sourceType string, conf config.BatchConfig) error {
	events, err := tx.GetUnprocessedEventsBatch(ctx, conf.WaitForMore, conf.MaxWait, sourceType)
	if err != nil {
		return err
	}

	if s.registry.IsRealTime(sourceType) {
		// Runs even on an empty batch: the manual escalation fast path
		// must not wait for new events.
		return s.processRealTime(ctx, tx, sourceType, events)
	}
	if len(events) == 0 {
		return nil
	}
	return s.processBatch(ctx, tx, sourceType, conf, events)
}

// processRealTime routes every non-ignored event of the batch to its owner
// without dedup or reminder gating, then fast-tracks fingerprints the user
// flagged for manual escalation. Cadence gating does not apply here, the
// non-addressed sweep owns the escalation cycle for real-time sources.
func (s *Scheduler) processRealTime(ctx context.Context, tx *store.DataStore, sourceType string, events []*models.EventRecord) error {
	logger := logging.FromContext(ctx).With(zap.String("source_type", sourceType))

	var ignoredEvents []*models.EventRecord
	var owners []string
	byOwner := make(map[string][]*models.EventRecord)
	for _, event := range events {
		isIgnored, err := tx.FingerprintIsIgnored(ctx, event.Fingerprint)
		if err != nil {
			return err
		}
		if isIgnored {
			ignoredEvents = append(ignoredEvents, event)
			continue
		}
		if _, seen := byOwner[event.Owner]; !seen {
			owners = append(owners, event.Owner)
		}
		byOwner[event.Owner] = append(byOwner[event.Owner], event)
	}
	if err := s.markIgnoredProcessed(ctx, tx, ignoredEvents); err != nil {
		return err
	}

	for _, owner := range owners {
		group := byOwner[owner]
		if err := s.routeEvents(ctx, tx, sourceType, owner, group); err != nil {
			// Not stamped processed, the next pass retries the group.
			logger.Error("scheduler.route_failed",
				zap.String("owner", owner), zap.Error(err))
			continue
		}
		if err := tx.MarkProcessed(ctx, group); err != nil {
			return err
		}
	}

	needEscalation, err := tx.GetEventsNeedEscalation(ctx, sourceType)
	if err != nil {
		return err
	}
	s.handleEventsNeedEscalation(ctx, tx, sourceType, needEscalation)
	return nil
}

// processBatch is the digest-capable branch: ignored fingerprints are
// dropped, the rest is annotated and grouped per owner, and a group is
// routed only when it contains something new or is due for a reminder.
func (s *Scheduler) processBatch(ctx context.Context, tx *store.DataStore, sourceType string, conf config.BatchConfig, events []*models.EventRecord) error {
	logger := logging.FromContext(ctx).With(zap.String("source_type", sourceType))
	logger.Info("scheduler.processing_batch", zap.Int("count", len(events)))

	var ignoredEvents, needEscalation []*models.EventRecord
	var owners []string
	byOwner := make(map[string][]*models.EventRecord)
	for _, event := range events {
		isIgnored, err := tx.FingerprintIsIgnored(ctx, event.Fingerprint)
		if err != nil {
			return err
		}
		if isIgnored {
			ignoredEvents = append(ignoredEvents, event)
			continue
		}

		if event.New, err = tx.CheckIfNew(ctx, event.Fingerprint, conf.NewThreshold); err != nil {
			return err
		}
		if event.NeedsEscalation, err = tx.CheckNeedsEscalation(ctx, conf.EscalationTime, event); err != nil {
			return err
		}
		if event.NeedsEscalation {
			previously, err := tx.CheckIfPreviouslyEscalated(ctx, event)
			if err != nil {
				return err
			}
			event.FirstEscalation = !previously
			needEscalation = append(needEscalation, event)
		}

		if _, seen := byOwner[event.Owner]; !seen {
			owners = append(owners, event.Owner)
		}
		byOwner[event.Owner] = append(byOwner[event.Owner], event)
	}
	if err := s.markIgnoredProcessed(ctx, tx, ignoredEvents); err != nil {
		return err
	}

	for _, owner := range owners {
		group := byOwner[owner]

		var toRoute []*models.EventRecord
		if conf.DigestMode {
			anyNew := false
			for _, event := range group {
				anyNew = anyNew || event.New
			}
			needsReminder, err := tx.CheckAnyIssueNeedsReminder(ctx, conf.OwnerReminderCadence, group)
			if err != nil {
				return err
			}
			if anyNew || needsReminder {
				toRoute = group
			}
		} else {
			// Non-digest mode routes individual events that are new or
			// whose fingerprint is due for a reminder.
			due, err := tx.GetAnyIssuesNeedReminder(ctx, conf.OwnerReminderCadence, group)
			if err != nil {
				return err
			}
			dueSet := make(map[string]struct{}, len(due))
			for _, fp := range due {
				dueSet[fp] = struct{}{}
			}
			for _, event := range group {
				if _, needsReminder := dueSet[event.Fingerprint]; event.New || needsReminder {
					toRoute = append(toRoute, event)
				}
			}
		}

		if len(toRoute) > 0 {
			if err := s.routeEvents(ctx, tx, sourceType, owner, toRoute); err != nil {
				// Routed events stay unprocessed, the next pass retries.
				logger.Error("scheduler.route_failed",
					zap.String("owner", owner), zap.Error(err))
			} else if err := tx.MarkProcessed(ctx, toRoute); err != nil {
				return err
			}
		}

		// Suppressed events are consumed either way.
		if err := tx.MarkProcessed(ctx, subtract(group, toRoute)); err != nil {
			return err
		}
		logger.Info("scheduler.events_processed",
			zap.String("owner", owner), zap.Int("count", len(group)))
	}

	if len(needEscalation) == 0 {
		return nil
	}
	maySend, err := tx.MaySendEscalation(ctx, sourceType, conf.EscalationReminderCadence)
	if err != nil {
		return err
	}
	if !maySend {
		logger.Debug("scheduler.escalation_gated", zap.Int("count", len(needEscalation)))
		return nil
	}
	s.handleEventsNeedEscalation(ctx, tx, sourceType, needEscalation)
	return nil
}

func (s *Scheduler) markIgnoredProcessed(ctx context.Context, tx *store.DataStore, ignored []*models.EventRecord) error {
	if len(ignored) == 0 {
		return nil
	}
	if err := tx.MarkProcessed(ctx, ignored); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("scheduler.events_ignored", zap.Int("count", len(ignored)))
	return nil
}

// routeEvents delivers one owner group through every applicable router and
// stamps sent_at. A router error aborts before the stamp so the group
// comes back on a later pass.
func (s *Scheduler) routeEvents(ctx context.Context, tx *store.DataStore, sourceType, owner string, events []*models.EventRecord) error {
	logger := logging.FromContext(ctx).With(zap.String("source_type", sourceType))

	routers := s.registry.Routers(sourceType)
	if len(routers) == 0 {
		logger.Warn("scheduler.no_router_registered")
	}
	for _, router := range routers {
		if err := router.Route(ctx, sourceType, owner, events); err != nil {
			return err
		}
	}

	if err := tx.MarkSent(ctx, events); err != nil {
		return err
	}
	logger.Info("scheduler.notification_sent",
		zap.String("owner", owner), zap.Int("count", len(events)))
	return nil
}

// handleEventsNeedEscalation runs the escalators and stamps escalated_at.
// With no escalator registered the events are still stamped, after a
// warning: without the stamp they would re-escalate on every pass.
func (s *Scheduler) handleEventsNeedEscalation(ctx context.Context, tx *store.DataStore, sourceType string, events []*models.EventRecord) {
	if len(events) == 0 {
		return
	}
	logger := logging.FromContext(ctx).With(zap.String("source_type", sourceType))

	escalators := s.registry.Escalators(sourceType)
	if len(escalators) == 0 {
		logger.Warn("scheduler.events_not_escalated", zap.Int("count", len(events)))
	}
	for _, escalator := range escalators {
		if err := escalator.Escalate(ctx, sourceType, events); err != nil {
			// Leave escalated_at unset so the next pass retries.
			logger.Error("scheduler.escalate_failed", zap.Error(err))
			return
		}
		logger.Info("scheduler.events_escalated", zap.Int("count", len(events)))
	}

	if err := tx.MarkEscalated(ctx, events); err != nil {
		logger.Error("scheduler.mark_escalated_failed", zap.Error(err))
	}
}

// HandleNonAddressedEvents sweeps real-time sources for events that were
// sent but never acted on, escalating those older than their
// escalate_cadence.
func (s *Scheduler) HandleNonAddressedEvents(ctx context.Context) {
	logger := logging.FromContext(ctx)
	for _, sourceType := range s.registry.RealTimeSourceTypes() {
		err := s.store.Transaction(ctx, func(tx *store.DataStore) error {
			return s.sweepSourceType(ctx, tx, sourceType)
		})
		if err != nil {
			logger.Error("scheduler.sweep_failed",
				zap.String("source_type", sourceType), zap.Error(err))
		}
	}
}

func (s *Scheduler) sweepSourceType(ctx context.Context, tx *store.DataStore, sourceType string) error {
	logger := logging.FromContext(ctx).With(zap.String("source_type", sourceType))

	events, err := tx.GetEventsDidNotAddressed(ctx, sourceType)
	if err != nil {
		return err
	}

	provider, hasProvider := s.registry.ConfigProvider(sourceType)
	now := time.Now().UTC()

	var toEscalate []*models.EventRecord
	for _, event := range events {
		cadence := defaultEscalateCadence
		if hasProvider {
			conf, err := provider.EventConfig(ctx, event)
			if err != nil {
				logger.Error("scheduler.event_config_failed",
					zap.String("fingerprint", event.Fingerprint), zap.Error(err))
				continue
			}
			var exempt bool
			cadence, exempt = escalateCadence(conf)
			if exempt {
				continue
			}
		}
		if event.SentAt != nil && !event.SentAt.After(now.Add(-cadence)) {
			toEscalate = append(toEscalate, event)
		}
	}

	s.handleEventsNeedEscalation(ctx, tx, sourceType, toEscalate)
	return nil
}

// escalateCadence reads escalate_cadence from a per-event config map. A
// missing key means the default; an explicitly falsy value (nil, false,
// zero, empty string) exempts the event from escalation entirely.
func escalateCadence(conf map[string]any) (time.Duration, bool) {
	raw, ok := conf["escalate_cadence"]
	if !ok {
		return defaultEscalateCadence, false
	}
	switch v := raw.(type) {
	case nil:
		return 0, true
	case bool:
		if !v {
			return 0, true
		}
		return defaultEscalateCadence, false
	case time.Duration:
		if v == 0 {
			return 0, true
		}
		return v, false
	case string:
		if v == "" {
			return 0, true
		}
		d, err := duration.ParseDuration(v)
		if err != nil || d == 0 {
			return 0, true
		}
		return d, false
	case int:
		if v == 0 {
			return 0, true
		}
		return time.Duration(v) * time.Second, false
	case int64:
		if v == 0 {
			return 0, true
		}
		return time.Duration(v) * time.Second, false
	case float64:
		if v == 0 {
			return 0, true
		}
		return time.Duration(v * float64(time.Second)), false
	}
	return defaultEscalateCadence, false
}

// subtract returns the events of group that are not in routed, preserving
// order.
func subtract(group, routed []*models.EventRecord) []*models.EventRecord {
	if len(routed) == 0 {
		return group
	}
	routedSet := make(map[int64]struct{}, len(routed))
	for _, event := range routed {
		routedSet[event.ID] = struct{}{}
	}
	var rest []*models.EventRecord
	for _, event := range group {
		if _, ok := routedSet[event.ID]; !ok {
			rest = append(rest, event)
		}
	}
	return rest
}
