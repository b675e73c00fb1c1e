// Package scheduler runs the nightly BY_DATE import inside the API process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/importer"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/sirupsen/logrus"
)

// Runner is the part of the importer the scheduler drives
type Runner interface {
	TryRun(ctx context.Context, mode models.ImportMode, date string) (*models.ImportRun, error)
}

// cronParser accepts standard 5-field expressions
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler fires a BY_DATE import of the previous UTC day on a cron schedule.
type Scheduler struct {
	runner Runner
	cron   *cron.Cron
	spec   string
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New validates spec and builds a stopped scheduler.
func New(runner Runner, spec string, logger *logrus.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return nil, apperr.Configuration("parse IMPORT_CRON", "invalid cron schedule %q: %v", spec, err)
	}

	s := &Scheduler{
		runner: runner,
		spec:   spec,
		logger: logger,
		now:    time.Now,
	}
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("schedule import: %w", err)
	}
	return s, nil
}

// PreviousDay returns the UTC calendar day before now in YYYY-MM-DD form.
func PreviousDay(now time.Time) string {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1).Format(importer.DateLayout)
}

// Start begins firing jobs. Jobs run under ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()

	entries := s.cron.Entries()
	if len(entries) > 0 {
		s.logger.WithFields(logrus.Fields{
			"spec": s.spec,
			"next": entries[0].Next.Format(time.RFC3339),
		}).Info("import scheduler started")
	}
}

// Stop cancels the running job, if any, and waits for it to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce imports the day before now. Exposed for the tick and for tests.
func (s *Scheduler) RunOnce(ctx context.Context) (*models.ImportRun, error) {
	date := PreviousDay(s.now())
	log := s.logger.WithFields(logrus.Fields{"mode": models.ImportModeByDate, "date": date})
	log.Info("scheduled import starting")

	run, err := s.runner.TryRun(ctx, models.ImportModeByDate, date)
	switch {
	case errors.Is(err, importer.ErrBusy):
		log.Warn("scheduled import skipped, another import is running")
	case err != nil:
		log.WithError(err).Error("scheduled import failed")
	default:
		log.WithField("records", run.Records).Info("scheduled import finished")
	}
	return run, err
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_, _ = s.RunOnce(ctx)
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	l *logrus.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.WithFields(toFields(keysAndValues)).Debug("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.WithFields(toFields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func toFields(kv []any) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
