// Package cron runs the periodic reporting jobs next to the scheduler.
// The jobs only observe, they never mutate state.
package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/spotify/comet-core/internal/config"
	"github.com/spotify/comet-core/internal/logging"
	"github.com/spotify/comet-core/pkg/store"
)

type Jobs struct {
	conf  *config.CronJobConfig
	store *store.DataStore
	cron  *cron.Cron
}

func New(conf *config.CronJobConfig, st *store.DataStore) *Jobs {
	return &Jobs{conf: conf, store: st}
}

// Start schedules the reporting jobs. It is a no-op when cron jobs are
// disabled.
func (j *Jobs) Start(ctx context.Context) error {
	if !j.conf.Enable {
		return nil
	}

	logger := logging.FromContext(ctx)
	j.cron = cron.New(cron.WithChain(
		cron.Recover(zapCronLogger{logger}),
	))

	if j.conf.BacklogReportInterval > 0 {
		spec := fmt.Sprintf("@every %s", j.conf.BacklogReportInterval)
		if _, err := j.cron.AddFunc(spec, func() { j.reportBacklog(ctx) }); err != nil {
			return err
		}
	}
	if j.conf.ExpiredIgnoresInterval > 0 {
		spec := fmt.Sprintf("@every %s", j.conf.ExpiredIgnoresInterval)
		if _, err := j.cron.AddFunc(spec, func() { j.reportExpiredIgnores(ctx) }); err != nil {
			return err
		}
	}

	j.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running job to finish.
func (j *Jobs) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

func (j *Jobs) reportBacklog(ctx context.Context) {
	logger := logging.FromContext(ctx)
	backlog, err := j.store.GetUnprocessedBacklog(ctx)
	if err != nil {
		logger.Error("cron.backlog_report_failed", zap.Error(err))
		return
	}
	if len(backlog) == 0 {
		logger.Info("cron.backlog_empty")
		return
	}
	for _, entry := range backlog {
		logger.Info("cron.backlog_report",
			zap.String("source_type", entry.SourceType),
			zap.Int64("count", entry.Count),
			zap.Duration("oldest_age", time.Since(entry.OldestAt)))
	}
}

func (j *Jobs) reportExpiredIgnores(ctx context.Context) {
	logger := logging.FromContext(ctx)
	count, err := j.store.CountExpiredIgnores(ctx)
	if err != nil {
		logger.Error("cron.expired_ignores_report_failed", zap.Error(err))
		return
	}
	logger.Info("cron.expired_ignores_report", zap.Int64("count", count))
}

// zapCronLogger bridges the cron logger interface onto zap.
type zapCronLogger struct {
	logger *zap.Logger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Infow(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
