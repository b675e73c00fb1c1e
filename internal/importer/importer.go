// Package importer copies GA4 events from the warehouse into the relational
// store, extending the events table for new parameter keys on the way.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/metrics"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/ryugou/analytics-chat-agent/internal/normalize"
	"github.com/ryugou/analytics-chat-agent/internal/storage"
	"github.com/sirupsen/logrus"
)

// DateLayout is the accepted BY_DATE date format.
const DateLayout = "2006-01-02"

// ErrBusy is returned by Start and TryRun while another import holds the importer.
var ErrBusy = errors.New("an import is already running")

// Options carries the optional collaborators.
type Options struct {
	// Refresher receives the registry after every successful insert.
	Refresher storage.IndexRefresher
	// Runs records each state transition.
	Runs storage.RunStore
}

// Importer runs one import at a time.
type Importer struct {
	mu sync.Mutex

	events     storage.EventStore
	source     storage.RowSource
	normalizer *normalize.Normalizer
	refresher  storage.IndexRefresher
	runs       storage.RunStore
	logger     *logrus.Logger
	now        func() time.Time
}

// New creates an Importer.
func New(events storage.EventStore, source storage.RowSource, normalizer *normalize.Normalizer, opts Options, logger *logrus.Logger) *Importer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Importer{
		events:     events,
		source:     source,
		normalizer: normalizer,
		refresher:  opts.Refresher,
		runs:       opts.Runs,
		logger:     logger,
		now:        time.Now,
	}
}

// ParseDate parses a BY_DATE argument as a UTC day.
func ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, apperr.Validation("parse import date", "date must be YYYY-MM-DD, got %q", s)
	}
	return d, nil
}

// ImportRange runs an import to completion and returns the number of
// records inserted. On failure the count is what was committed before the
// failing step.
func (im *Importer) ImportRange(ctx context.Context, mode models.ImportMode, date string) (int, error) {
	run, err := im.Run(ctx, mode, date)
	if run == nil {
		return 0, err
	}
	return run.Records, err
}

// Run is ImportRange returning the full run record. The run is nil only when
// the arguments are rejected before anything is touched.
func (im *Importer) Run(ctx context.Context, mode models.ImportMode, date string) (*models.ImportRun, error) {
	day, err := validate(mode, date)
	if err != nil {
		return nil, err
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	run := im.newRun(mode, date)
	return run, im.execute(ctx, run, day)
}

// TryRun is Run that returns ErrBusy instead of waiting for an import
// already in progress.
func (im *Importer) TryRun(ctx context.Context, mode models.ImportMode, date string) (*models.ImportRun, error) {
	day, err := validate(mode, date)
	if err != nil {
		return nil, err
	}
	if !im.mu.TryLock() {
		return nil, ErrBusy
	}
	defer im.mu.Unlock()

	run := im.newRun(mode, date)
	return run, im.execute(ctx, run, day)
}

// Start validates the arguments and runs the import in the background,
// returning the run as first recorded. It returns ErrBusy instead of
// waiting when an import is in progress.
func (im *Importer) Start(ctx context.Context, mode models.ImportMode, date string) (*models.ImportRun, error) {
	day, err := validate(mode, date)
	if err != nil {
		return nil, err
	}
	if !im.mu.TryLock() {
		return nil, ErrBusy
	}

	run := im.newRun(mode, date)
	im.record(ctx, run)
	snapshot := *run

	go func() {
		defer im.mu.Unlock()
		_ = im.execute(context.WithoutCancel(ctx), run, day)
	}()
	return &snapshot, nil
}

func validate(mode models.ImportMode, date string) (*time.Time, error) {
	switch mode {
	case models.ImportModeFull:
		return nil, nil
	case models.ImportModeByDate:
		d, err := ParseDate(date)
		if err != nil {
			return nil, err
		}
		return &d, nil
	default:
		return nil, apperr.Validation("start import", "unknown import mode %q", mode)
	}
}

func (im *Importer) newRun(mode models.ImportMode, date string) *models.ImportRun {
	run := &models.ImportRun{
		ID:        uuid.NewString(),
		Mode:      mode,
		State:     models.RunStateIdle,
		StartedAt: im.now().UTC(),
	}
	if mode == models.ImportModeByDate {
		run.Date = date
	}
	return run
}

func (im *Importer) execute(ctx context.Context, run *models.ImportRun, day *time.Time) (err error) {
	start := im.now()
	log := im.logger.WithFields(logrus.Fields{
		"run_id": run.ID,
		"mode":   run.Mode,
	})
	if day != nil {
		log = log.WithField("date", run.Date)
	}
	log.Info("import started")

	defer func() {
		finished := im.now().UTC()
		run.FinishedAt = &finished
		if err != nil {
			run.Error = err.Error()
			im.transition(ctx, log, run, models.RunStateFailed)
			log.WithError(err).WithField("records", run.Records).Error("import failed")
		} else {
			im.transition(ctx, log, run, models.RunStateDone)
			log.WithFields(logrus.Fields{
				"records":  run.Records,
				"new_keys": len(run.NewKeys),
				"elapsed":  time.Since(start).String(),
			}).Info("import finished")
		}
		metrics.ImportRunsTotal.WithLabelValues(string(run.Mode), string(run.State)).Inc()
		metrics.ImportDuration.WithLabelValues(string(run.Mode)).Observe(time.Since(start).Seconds())
	}()

	im.transition(ctx, log, run, models.RunStateDeleting)
	if day == nil {
		if err := im.events.DeleteAll(ctx); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
	} else {
		n, err := im.events.DeleteByDate(ctx, *day)
		if err != nil {
			return fmt.Errorf("delete events for %s: %w", run.Date, err)
		}
		log.WithField("deleted", n).Debug("deleted events for date")
	}

	im.transition(ctx, log, run, models.RunStateFetching)
	rows, err := im.source.FetchRows(ctx, day)
	if err != nil {
		return fmt.Errorf("fetch rows: %w", err)
	}
	metrics.ImportSourceRowsTotal.Add(float64(len(rows)))
	log.WithField("rows", len(rows)).Debug("fetched source rows")

	im.transition(ctx, log, run, models.RunStateNormalizing)
	known, err := im.events.ListVirtualKeys(ctx)
	if err != nil {
		return fmt.Errorf("load virtual keys: %w", err)
	}
	res, err := im.normalizer.Normalize(ctx, rows, known)
	if err != nil {
		return fmt.Errorf("normalize rows: %w", err)
	}
	for _, k := range res.NewKeys {
		run.NewKeys = append(run.NewKeys, k.Name)
	}

	im.transition(ctx, log, run, models.RunStateInserting)
	n, err := im.events.InsertEvents(ctx, res.Flatten())
	run.Records = n
	metrics.ImportRecordsTotal.WithLabelValues(string(run.Mode)).Add(float64(n))
	if err != nil {
		return fmt.Errorf("insert events: %w", err)
	}

	im.refreshIndex(ctx, log)
	return nil
}

// refreshIndex pushes the registry to the vector index. Failures are logged
// and counted only.
func (im *Importer) refreshIndex(ctx context.Context, log *logrus.Entry) {
	if im.refresher == nil {
		return
	}
	defs, err := im.events.ListVirtualKeys(ctx)
	if err == nil {
		_, err = im.refresher.SyncVirtualKeys(ctx, defs)
	}
	if err != nil {
		metrics.IndexRefreshFailures.Inc()
		log.WithError(err).Warn("vector index refresh failed")
	}
}

func (im *Importer) transition(ctx context.Context, log *logrus.Entry, run *models.ImportRun, to models.RunState) {
	log.WithFields(logrus.Fields{
		"from": run.State,
		"to":   to,
	}).Debug("import state")
	run.State = to
	im.record(ctx, run)
}

func (im *Importer) record(ctx context.Context, run *models.ImportRun) {
	if im.runs == nil {
		return
	}
	if err := im.runs.Save(ctx, run); err != nil {
		im.logger.WithError(err).WithField("run_id", run.ID).Warn("failed to record import run")
	}
}
