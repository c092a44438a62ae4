// Package store is the persistence layer of the scheduler: every query
// primitive the decision engine composes lives here.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/spotify/comet-core/pkg/models"
)

// DataStore wraps the event and ignore tables.
type DataStore struct {
	db  *gorm.DB
	now func() time.Time
}

// New migrates the schema and returns a ready data store.
func New(db *gorm.DB) (*DataStore, error) {
	if err := db.AutoMigrate(&models.EventRecord{}, &models.IgnoreFingerprintRecord{}); err != nil {
		return nil, err
	}
	return &DataStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Transaction runs fn against a transactional copy of the store. The
// scheduler wraps each source type pass in one so decision reads and the
// following timestamp writes stay consistent.
func (d *DataStore) Transaction(ctx context.Context, fn func(tx *DataStore) error) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&DataStore{db: tx, now: d.now})
	})
}

// Ping checks the underlying database connection.
func (d *DataStore) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// AddRecord durably inserts an event record.
func (d *DataStore) AddRecord(ctx context.Context, record *models.EventRecord) error {
	return d.db.WithContext(ctx).Create(record).Error
}

// GetUnprocessedEventsBatch returns all unprocessed events of the source
// type ordered by received time, but only once the batch has settled: the
// latest event is older than waitForMore, or the earliest is older than
// maxWait. Otherwise it returns nothing and the caller retries later.
func (d *DataStore) GetUnprocessedEventsBatch(ctx context.Context, waitForMore, maxWait time.Duration, sourceType string) ([]*models.EventRecord, error) {
	var events []*models.EventRecord
	err := d.db.WithContext(ctx).
		Where("processed_at IS NULL AND source_type = ?", sourceType).
		Order("received_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	now := d.now()
	if events[len(events)-1].ReceivedAt.Before(now.Add(-waitForMore)) {
		return events, nil
	}
	if events[0].ReceivedAt.Before(now.Add(-maxWait)) {
		return events, nil
	}
	return nil, nil
}

// GetEventsDidNotAddressed returns events that were sent to their owner,
// never escalated, and have no interaction recorded for their fingerprint.
func (d *DataStore) GetEventsDidNotAddressed(ctx context.Context, sourceType string) ([]*models.EventRecord, error) {
	var events []*models.EventRecord
	err := d.db.WithContext(ctx).
		Where("sent_at IS NOT NULL AND escalated_at IS NULL AND source_type = ?", sourceType).
		Where("fingerprint NOT IN (?)",
			d.db.Model(&models.IgnoreFingerprintRecord{}).Select("fingerprint")).
		Find(&events).Error
	return events, err
}

// GetEventsNeedEscalation returns events whose fingerprint the user flagged
// for manual escalation and that were not escalated yet.
func (d *DataStore) GetEventsNeedEscalation(ctx context.Context, sourceType string) ([]*models.EventRecord, error) {
	var events []*models.EventRecord
	err := d.db.WithContext(ctx).Model(&models.EventRecord{}).
		Distinct("event.*").
		Joins("JOIN ignore_fingerprint ON ignore_fingerprint.fingerprint = event.fingerprint").
		Where("event.sent_at IS NOT NULL AND event.escalated_at IS NULL AND event.source_type = ?", sourceType).
		Where("ignore_fingerprint.ignore_type = ?", models.IgnoreEscalateManually).
		Find(&events).Error
	return events, err
}

func fingerprints(records []*models.EventRecord) []string {
	fps := make([]string, 0, len(records))
	for _, r := range records {
		fps = append(fps, r.Fingerprint)
	}
	return fps
}

// CheckAnyIssueNeedsReminder reports whether the given records are due for
// a reminder: the most recent sent_at among their fingerprints is older
// than cadence. Fingerprints that were never sent do not count, the first
// send is driven by the new check instead.
func (d *DataStore) CheckAnyIssueNeedsReminder(ctx context.Context, cadence time.Duration, records []*models.EventRecord) (bool, error) {
	// The newest per-fingerprint sent_at is the newest overall, so one
	// ordered row fetch replaces the aggregate. Scanning MAX(sent_at)
	// directly does not survive the sqlite driver, aggregates come back
	// untyped.
	var latest models.EventRecord
	err := d.db.WithContext(ctx).
		Where("fingerprint IN ? AND sent_at IS NOT NULL", fingerprints(records)).
		Order("sent_at DESC").
		First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !latest.SentAt.After(d.now().Add(-cadence)), nil
}

// GetAnyIssuesNeedReminder returns the fingerprints among the given records
// whose latest sent_at is older than cadence.
func (d *DataStore) GetAnyIssuesNeedReminder(ctx context.Context, cadence time.Duration, records []*models.EventRecord) ([]string, error) {
	// The aggregate stays in SQL (HAVING) so only the fingerprint column
	// is scanned.
	var result []string
	err := d.db.WithContext(ctx).Model(&models.EventRecord{}).
		Where("fingerprint IN ? AND sent_at IS NOT NULL", fingerprints(records)).
		Group("fingerprint").
		Having("MAX(sent_at) <= ?", d.now().Add(-cadence)).
		Pluck("fingerprint", &result).Error
	return result, err
}

func (d *DataStore) markTimestamp(ctx context.Context, records []*models.EventRecord, column string) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return d.db.WithContext(ctx).Model(&models.EventRecord{}).
		Where("id IN ?", ids).
		Update(column, d.now()).Error
}

// MarkSent stamps sent_at on the given records.
func (d *DataStore) MarkSent(ctx context.Context, records []*models.EventRecord) error {
	return d.markTimestamp(ctx, records, "sent_at")
}

// MarkProcessed stamps processed_at on the given records.
func (d *DataStore) MarkProcessed(ctx context.Context, records []*models.EventRecord) error {
	return d.markTimestamp(ctx, records, "processed_at")
}

// MarkEscalated stamps escalated_at on the given records.
func (d *DataStore) MarkEscalated(ctx context.Context, records []*models.EventRecord) error {
	return d.markTimestamp(ctx, records, "escalated_at")
}

// GetOldestEventWithFingerprint returns the first occurrence of the
// fingerprint, or nil when it was never seen.
func (d *DataStore) GetOldestEventWithFingerprint(ctx context.Context, fingerprint string) (*models.EventRecord, error) {
	return d.oneByFingerprint(ctx, fingerprint, "received_at ASC")
}

// GetLatestEventWithFingerprint returns the newest occurrence of the
// fingerprint, or nil when it was never seen.
func (d *DataStore) GetLatestEventWithFingerprint(ctx context.Context, fingerprint string) (*models.EventRecord, error) {
	return d.oneByFingerprint(ctx, fingerprint, "received_at DESC")
}

func (d *DataStore) oneByFingerprint(ctx context.Context, fingerprint, order string) (*models.EventRecord, error) {
	var event models.EventRecord
	err := d.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Order(order).
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// CheckNeedsEscalation reports whether the first occurrence of the event's
// fingerprint is older than escalationTime.
func (d *DataStore) CheckNeedsEscalation(ctx context.Context, escalationTime time.Duration, event *models.EventRecord) (bool, error) {
	oldest, err := d.GetOldestEventWithFingerprint(ctx, event.Fingerprint)
	if err != nil || oldest == nil {
		return false, err
	}
	return !oldest.ReceivedAt.After(d.now().Add(-escalationTime)), nil
}

// IgnoreEventFingerprint appends an interaction record for the fingerprint.
func (d *DataStore) IgnoreEventFingerprint(ctx context.Context, fingerprint, ignoreType string, expiresAt *time.Time, metadata map[string]any) error {
	record := &models.IgnoreFingerprintRecord{
		Fingerprint:    fingerprint,
		IgnoreType:     ignoreType,
		ExpiresAt:      expiresAt,
		RecordMetadata: metadata,
	}
	return d.db.WithContext(ctx).Create(record).Error
}

// FingerprintIsIgnored reports whether a non-expired interaction exists for
// the fingerprint.
func (d *DataStore) FingerprintIsIgnored(ctx context.Context, fingerprint string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&models.IgnoreFingerprintRecord{}).
		Where("fingerprint = ?", fingerprint).
		Where("expires_at > ? OR expires_at IS NULL", d.now()).
		Count(&count).Error
	return count > 0, err
}

// MaySendEscalation reports whether the source type escalation recipient
// was not escalated to within cadence.
func (d *DataStore) MaySendEscalation(ctx context.Context, sourceType string, cadence time.Duration) (bool, error) {
	var event models.EventRecord
	err := d.db.WithContext(ctx).
		Where("source_type = ? AND escalated_at IS NOT NULL", sourceType).
		Order("escalated_at DESC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !event.EscalatedAt.After(d.now().Add(-cadence)), nil
}

// CheckIfPreviouslyEscalated reports whether any event sharing the
// fingerprint was escalated before.
func (d *DataStore) CheckIfPreviouslyEscalated(ctx context.Context, event *models.EventRecord) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&models.EventRecord{}).
		Where("fingerprint = ? AND escalated_at IS NOT NULL", event.Fingerprint).
		Count(&count).Error
	return count > 0, err
}

// GetOpenIssues returns the open issues of the given owners: events
// received within the last day, deduplicated by fingerprint keeping the
// newest, with ignored fingerprints dropped.
func (d *DataStore) GetOpenIssues(ctx context.Context, owners []string) ([]*models.EventRecord, error) {
	var issues []*models.EventRecord
	err := d.db.WithContext(ctx).
		Where("owner IN ?", owners).
		Where("received_at >= ?", d.now().Add(-24*time.Hour)).
		Find(&issues).Error
	if err != nil {
		return nil, err
	}

	issues = removeDuplicateEvents(issues)

	var ignored []string
	err = d.db.WithContext(ctx).Model(&models.IgnoreFingerprintRecord{}).
		Where("fingerprint IN ?", fingerprints(issues)).
		Where("expires_at > ? OR expires_at IS NULL", d.now()).
		Pluck("fingerprint", &ignored).Error
	if err != nil {
		return nil, err
	}

	ignoredSet := make(map[string]struct{}, len(ignored))
	for _, fp := range ignored {
		ignoredSet[fp] = struct{}{}
	}

	open := issues[:0]
	for _, issue := range issues {
		if _, ok := ignoredSet[issue.Fingerprint]; !ok {
			open = append(open, issue)
		}
	}
	return open, nil
}

// removeDuplicateEvents keeps the newest event per fingerprint.
func removeDuplicateEvents(events []*models.EventRecord) []*models.EventRecord {
	newest := make(map[string]*models.EventRecord, len(events))
	var order []string
	for _, e := range events {
		if seen, ok := newest[e.Fingerprint]; ok {
			if seen.ReceivedAt.Before(e.ReceivedAt) {
				newest[e.Fingerprint] = e
			}
			continue
		}
		newest[e.Fingerprint] = e
		order = append(order, e.Fingerprint)
	}
	result := make([]*models.EventRecord, 0, len(newest))
	for _, fp := range order {
		result = append(result, newest[fp])
	}
	return result
}

// CheckIfNew reports whether the fingerprint counts as a new issue: it was
// never processed, or the most recently received processed occurrence is
// older than newThreshold. The threshold flags regressions as new without
// treating a short scanner gap as one.
func (d *DataStore) CheckIfNew(ctx context.Context, fingerprint string, newThreshold time.Duration) (bool, error) {
	var event models.EventRecord
	err := d.db.WithContext(ctx).
		Where("fingerprint = ? AND processed_at IS NOT NULL", fingerprint).
		Order("received_at DESC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !event.ReceivedAt.After(d.now().Add(-newThreshold)), nil
}

// GetInteractionsFingerprint returns the full interaction history of a
// fingerprint.
func (d *DataStore) GetInteractionsFingerprint(ctx context.Context, fingerprint string) ([]*models.IgnoreFingerprintRecord, error) {
	var interactions []*models.IgnoreFingerprintRecord
	err := d.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Find(&interactions).Error
	return interactions, err
}

// CountExpiredIgnores counts interaction records whose suppression has
// lapsed, used by the periodic report. Rows are append-only, expired
// ignores accumulate.
func (d *DataStore) CountExpiredIgnores(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&models.IgnoreFingerprintRecord{}).
		Where("expires_at IS NOT NULL AND expires_at <= ?", d.now()).
		Count(&count).Error
	return count, err
}

// SourceBacklog describes the unprocessed backlog of one source type.
type SourceBacklog struct {
	SourceType string
	Count      int64
	OldestAt   time.Time
}

// GetUnprocessedBacklog summarizes unprocessed events per source type,
// used by the periodic backlog report.
func (d *DataStore) GetUnprocessedBacklog(ctx context.Context) ([]SourceBacklog, error) {
	var backlog []SourceBacklog
	err := d.db.WithContext(ctx).Model(&models.EventRecord{}).
		Select("source_type, COUNT(*) AS count").
		Where("processed_at IS NULL").
		Group("source_type").
		Scan(&backlog).Error
	if err != nil {
		return nil, err
	}
	// One row fetch per source type keeps the timestamp column typed,
	// MIN(received_at) cannot be scanned on the sqlite driver.
	for i := range backlog {
		var oldest models.EventRecord
		err := d.db.WithContext(ctx).
			Where("processed_at IS NULL AND source_type = ?", backlog[i].SourceType).
			Order("received_at").
			First(&oldest).Error
		if err != nil {
			return nil, err
		}
		backlog[i].OldestAt = oldest.ReceivedAt
	}
	return backlog, nil
}
