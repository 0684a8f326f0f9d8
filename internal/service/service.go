package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"lof-monitor/internal/alerting"
	"lof-monitor/internal/fetcher"
	"lof-monitor/internal/fund"
	"lof-monitor/internal/storage"
)

// ErrNoRecords marks a run in which every dataset came back empty.
var ErrNoRecords = errors.New("未获取到任何数据")

// outcomeTimeout bounds bookkeeping writes made after the run context is gone.
const outcomeTimeout = 10 * time.Second

// Result summarises one scrape run.
type Result struct {
	Arbitrage int
	Commodity int
	Index     int
	Duration  time.Duration
	// Skipped is set when another process holds the advisory lock.
	Skipped bool
}

// Total returns the number of rows persisted across datasets.
func (r Result) Total() int {
	return r.Arbitrage + r.Commodity + r.Index
}

// Options tune the orchestrator.
type Options struct {
	LockKey int64
}

// Service orchestrates extraction, persistence and outcome logging.
type Service struct {
	extractor fetcher.Extractor
	writer    storage.SnapshotWriter
	locker    storage.AdvisoryLocker
	lockKey   int64
	notifier  alerting.Notifier
	logger    zerolog.Logger
	now       func() time.Time

	mu         sync.Mutex
	current    *run
	lastFailed bool
}

// run tracks one in-flight scrape so that exactly one outcome is written for it.
type run struct {
	started time.Time
	once    sync.Once
}

// New constructs the scrape orchestrator. notifier may be nil.
func New(extractor fetcher.Extractor, writer storage.SnapshotWriter, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := writer.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		extractor: extractor,
		writer:    writer,
		locker:    locker,
		lockKey:   opts.LockKey,
		notifier:  notifier,
		logger:    logger.With().Str("component", "service").Logger(),
		now:       time.Now,
	}
}

// RunOnce performs one full scrape and reports whether it succeeded.
// A run skipped because the lock is held elsewhere counts as not succeeded.
func (s *Service) RunOnce(ctx context.Context) bool {
	res, err := s.Scrape(ctx)
	return err == nil && !res.Skipped
}

// Tick adapts Scrape to the scheduler job signature.
func (s *Service) Tick(ctx context.Context) error {
	_, err := s.Scrape(ctx)
	return err
}

// Scrape performs one run and records its outcome. The returned error is the
// run failure that was logged to scrape_log.
func (s *Service) Scrape(ctx context.Context) (Result, error) {
	r := s.begin()
	defer s.end(r)

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return s.fail(ctx, r, Result{Duration: s.now().Sub(r.started)}, err)
	}
	if !proceed {
		s.logger.Info().Msg("skip run because advisory lock held elsewhere")
		return Result{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	s.logger.Info().Msg("开始执行抓取任务")
	res, err := s.execute(ctx)
	res.Duration = s.now().Sub(r.started)
	if err != nil {
		return s.fail(ctx, r, res, err)
	}

	s.logger.Info().
		Int("arbitrage", res.Arbitrage).
		Int("commodity", res.Commodity).
		Int("index", res.Index).
		Dur("elapsed", res.Duration).
		Msg("抓取完成")
	s.record(ctx, r, storage.StatusSuccess, res.Total(), "", res.Duration)
	return res, nil
}

func (s *Service) fail(ctx context.Context, r *run, res Result, err error) (Result, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("scrape timed out after %s: %w", res.Duration.Round(time.Millisecond), err)
	}
	s.logger.Error().Err(err).Dur("elapsed", res.Duration).Msg("抓取失败")
	s.record(ctx, r, storage.StatusFailed, 0, err.Error(), res.Duration)
	return res, err
}

// RecordTimeout closes out the in-flight run as failed. It is a no-op when the
// run already recorded its own outcome or no run is in flight.
func (s *Service) RecordTimeout(ctx context.Context, elapsed time.Duration) {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return
	}
	msg := fmt.Sprintf("scrape timed out after %s", elapsed.Round(time.Millisecond))
	s.record(ctx, r, storage.StatusFailed, 0, msg, elapsed)
}

func (s *Service) execute(ctx context.Context) (Result, error) {
	var res Result

	ex, err := s.extractor.Open(ctx)
	if err != nil {
		return res, fmt.Errorf("open extraction: %w", err)
	}
	defer func() {
		if err := ex.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close browser")
		}
	}()

	res.Arbitrage, err = persist(ctx, s, fund.KindArbitrage, ex.Arbitrage, s.writer.ReplaceArbitrage)
	if err != nil {
		return res, err
	}
	res.Commodity, err = persist(ctx, s, fund.KindCommodity, ex.Commodity, s.writer.ReplaceCommodity)
	if err != nil {
		return res, err
	}
	res.Index, err = persist(ctx, s, fund.KindIndex, ex.Index, s.writer.ReplaceIndex)
	if err != nil {
		return res, err
	}

	if res.Total() == 0 {
		return res, ErrNoRecords
	}
	return res, nil
}

// persist extracts one dataset and replaces its snapshot. Extraction problems
// degrade the dataset to zero rows and keep the previous snapshot; persistence
// problems and cancellation fail the run.
func persist[T any](
	ctx context.Context,
	s *Service,
	kind fund.Kind,
	extract func(context.Context) ([]T, error),
	replace func(context.Context, []T, time.Time) error,
) (int, error) {
	rows, err := extract(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		s.logger.Warn().Err(err).Str("dataset", string(kind)).Msg("extraction failed; keeping previous snapshot")
		return 0, nil
	}
	if len(rows) == 0 {
		s.logger.Warn().Str("dataset", string(kind)).Msg("dataset empty; keeping previous snapshot")
		return 0, nil
	}

	if err := replace(ctx, rows, s.now()); err != nil {
		return 0, fmt.Errorf("persist %s: %w", kind, err)
	}
	s.logger.Info().Str("dataset", string(kind)).Int("rows", len(rows)).Msg("snapshot replaced")
	return len(rows), nil
}

func (s *Service) begin() *run {
	r := &run{started: s.now()}
	s.mu.Lock()
	s.current = r
	s.mu.Unlock()
	return r
}

func (s *Service) end(r *run) {
	s.mu.Lock()
	if s.current == r {
		s.current = nil
	}
	s.mu.Unlock()
}

// record writes the run outcome at most once and notifies on failure or recovery.
func (s *Service) record(ctx context.Context, r *run, status string, count int, msg string, elapsed time.Duration) {
	r.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
		defer cancel()

		outcome := storage.Outcome{
			ScrapeTime:  s.now(),
			Status:      status,
			RecordCount: count,
			Duration:    decimal.NewNullDecimal(decimal.NewFromFloat(elapsed.Seconds()).Round(2)),
		}
		if msg != "" {
			outcome.Error = &msg
		}
		if err := s.writer.AppendOutcome(ctx, outcome); err != nil {
			s.logger.Error().Err(err).Str("status", status).Msg("记录日志失败")
		}

		s.mu.Lock()
		recovered := status == storage.StatusSuccess && s.lastFailed
		s.lastFailed = status == storage.StatusFailed
		s.mu.Unlock()

		if s.notifier == nil || (status == storage.StatusSuccess && !recovered) {
			return
		}
		note := alerting.Notification{
			Time:        outcome.ScrapeTime,
			Status:      status,
			RecordCount: count,
			Duration:    elapsed,
			Error:       msg,
			Recovered:   recovered,
		}
		if err := s.notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Str("status", status).Msg("failed to dispatch notification")
		}
	})
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
