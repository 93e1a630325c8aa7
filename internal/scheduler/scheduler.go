package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/iurnickita/affiliate/internal/scheduler/config"
)

// Jobs - ежедневная сверка (reconcile.Reconciler)
type Jobs interface {
	ProcessDailyJobs(ctx context.Context) error
}

type Scheduler struct {
	cron   *cron.Cron
	zaplog *zap.Logger
}

// New регистрирует ежедневную сверку. Запуск не пересекается с незавершенным предыдущим.
func New(cfg config.Config, jobs Jobs, zaplog *zap.Logger) (*Scheduler, error) {
	cronLog := cronLogger{zaplog.Sugar().Named("cron")}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	_, err := c.AddFunc(cfg.DailySpec, func() {
		zaplog.Info("daily jobs started")
		if err := jobs.ProcessDailyJobs(context.Background()); err != nil {
			zaplog.Error("daily jobs finished with errors", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, zaplog: zaplog}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.zaplog.Info("scheduler started")
}

// Stop ждет завершения запущенных заданий не дольше ctx
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.zaplog.Warn("scheduler stop timeout")
	}
}

// cronLogger - cron.Logger поверх zap
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
