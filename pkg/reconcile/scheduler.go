package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/idsync/pkg/accounts"
	"github.com/platinummonkey/idsync/pkg/identity"
	"github.com/platinummonkey/idsync/pkg/idp"
	"github.com/platinummonkey/idsync/pkg/notify"
	"github.com/platinummonkey/idsync/pkg/observability"
)

const (
	scanLockKey        = "reconcile:scan"
	maxFailureReason   = 512
	defaultScanLockTTL = 10 * time.Minute
)

var (
	// ErrScanInProgress is returned by Scan when another scan holds the scan lock.
	ErrScanInProgress = errors.New("reconciliation scan already in progress")
	// ErrAccountBusy is returned by Reset when the account is being processed.
	ErrAccountBusy = errors.New("account is being processed")
)

// Config configures the scheduler.
type Config struct {
	Period       time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
	Concurrency  int
	BaselineRole string
	ScanLockTTL  time.Duration
}

// DefaultConfig returns a 60s period, 5 attempts, a 1 minute backoff base and sequential processing.
func DefaultConfig() Config {
	return Config{
		Period:       60 * time.Second,
		MaxAttempts:  5,
		BaseDelay:    time.Minute,
		Concurrency:  1,
		BaselineRole: string(identity.RoleInterested),
		ScanLockTTL:  defaultScanLockTTL,
	}
}

// RoleGranter adds a role without touching existing mappings.
type RoleGranter interface {
	GrantRole(ctx context.Context, identityID, roleName string) error
}

// Outcome is the result of processing one account.
type Outcome string

const (
	OutcomeActivated Outcome = "activated"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeWaiting   Outcome = "waiting"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeBusy      Outcome = "busy"
	OutcomeError     Outcome = "error"
)

// ScanResult summarizes one scan.
type ScanResult struct {
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Scanned   int             `json:"scanned"`
	Outcomes  map[Outcome]int `json:"outcomes"`
}

// Scheduler drives pending accounts to active through the secondary
// activation step, with exponential backoff and a terminal failed state.
type Scheduler struct {
	store    accounts.Store
	api      idp.AdminAPI
	roles    RoleGranter
	notifier notify.Sender
	locker   Locker
	leases   *leaseSet
	clock    clockwork.Clock
	config   Config
	logger   *observability.Logger
	metrics  *observability.Metrics

	cron *cron.Cron
	wg   sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLocker replaces the in-process scan lock, e.g. with a RedisLocker.
func WithLocker(locker Locker) Option {
	return func(s *Scheduler) { s.locker = locker }
}

// WithNotifier sets the activation notification sender.
func WithNotifier(sender notify.Sender) Option {
	return func(s *Scheduler) { s.notifier = sender }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = metrics }
}

// NewScheduler creates a Scheduler. Zero config fields take their defaults.
func NewScheduler(store accounts.Store, api idp.AdminAPI, roles RoleGranter, config Config, logger *observability.Logger, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	if config.Period <= 0 {
		config.Period = defaults.Period
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.BaselineRole == "" {
		config.BaselineRole = defaults.BaselineRole
	}
	if config.ScanLockTTL <= 0 {
		config.ScanLockTTL = defaults.ScanLockTTL
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	s := &Scheduler{
		store:  store,
		api:    api,
		roles:  roles,
		locker: NewMutexLocker(),
		leases: newLeaseSet(),
		clock:  clockwork.NewRealClock(),
		config: config,
		logger: logger.WithField("component", "reconcile"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules Scan every Period. Overlapping ticks are skipped.
func (s *Scheduler) Start() error {
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.logger}),
		cron.SkipIfStillRunning(cronLogger{s.logger}),
	))
	spec := fmt.Sprintf("@every %s", s.config.Period)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}
	s.cron.Start()
	s.logger.WithField("period", s.config.Period.String()).Info("Reconciliation scheduler started")
	return nil
}

// Stop stops the schedule and waits for running scans until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Reconciliation scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reconciliation scheduler did not stop: %w", ctx.Err())
	}
}

// Trigger runs one scan in the background.
func (s *Scheduler) Trigger() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer observability.RecoverPanic(s.logger, "reconcile trigger")
		s.tick()
	}()
}

func (s *Scheduler) tick() {
	result, err := s.Scan(context.Background())
	switch {
	case errors.Is(err, ErrScanInProgress):
		s.logger.Debug("Skipping reconciliation tick, scan in progress")
	case err != nil:
		s.logger.WithError(err).Error("Reconciliation scan failed")
	default:
		s.logger.WithFields(map[string]interface{}{
			"scanned":  result.Scanned,
			"outcomes": result.Outcomes,
			"duration": result.Duration.String(),
		}).Info("Reconciliation scan complete")
	}
}

// Scan processes every eligible pending account once. Per-account failures
// never abort the scan; they only show up as state transitions.
func (s *Scheduler) Scan(ctx context.Context) (ScanResult, error) {
	unlock, ok, err := s.locker.TryLock(ctx, scanLockKey, s.config.ScanLockTTL)
	if err != nil {
		return ScanResult{}, err
	}
	if !ok {
		return ScanResult{}, ErrScanInProgress
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.WithError(err).Warn("Failed to release scan lock")
		}
	}()

	ctx, span := observability.StartSpan(ctx, "reconcile.scan")
	defer span.End()
	log := observability.WithTraceContext(ctx, s.logger)

	start := s.clock.Now()
	pending, err := s.store.FindByStatus(ctx, accounts.StatusPending)
	if err != nil {
		return ScanResult{}, fmt.Errorf("failed to load pending accounts: %w", err)
	}

	result := ScanResult{StartedAt: start, Scanned: len(pending), Outcomes: make(map[Outcome]int)}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(s.config.Concurrency)
	for _, account := range pending {
		if !Eligible(account, start, s.config.BaseDelay) {
			result.Outcomes[OutcomeWaiting]++
			continue
		}
		id := account.ID
		g.Go(func() error {
			outcome := s.process(ctx, id, false)
			mu.Lock()
			result.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = s.clock.Since(start)
	span.SetAttributes(attribute.Int("scanned", result.Scanned))
	log.WithFields(map[string]interface{}{
		"scanned":  result.Scanned,
		"duration": result.Duration.String(),
	}).Debug("Scan finished")
	s.metrics.ObserveScan(result.Duration)
	s.refreshGauge(ctx)
	return result, nil
}

// Reset moves a failed account back to pending with cleared retry state and
// processes it once immediately, ignoring the backoff gate.
func (s *Scheduler) Reset(ctx context.Context, id string) (*accounts.Account, error) {
	if !s.leases.acquire(id) {
		return nil, ErrAccountBusy
	}
	defer s.leases.release(id)

	account, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if account.Status != accounts.StatusFailed {
		return nil, identity.NewValidationError("status", fmt.Sprintf("only failed accounts can be reset, account is %s", account.Status))
	}

	clearForReset(account)
	if err := s.store.Save(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to reset account: %w", err)
	}
	s.metrics.ObserveTransition(string(accounts.StatusFailed), string(accounts.StatusPending))
	s.logger.WithField("account_id", id).Info("Account reset")

	s.processLeased(ctx, account, true)
	return s.store.FindByID(ctx, id)
}

// Stats returns account counts by status.
func (s *Scheduler) Stats(ctx context.Context) (map[accounts.Status]int, error) {
	return s.store.CountByStatus(ctx)
}

func (s *Scheduler) process(ctx context.Context, id string, bypassGate bool) Outcome {
	if !s.leases.acquire(id) {
		return OutcomeBusy
	}
	defer s.leases.release(id)

	account, err := s.store.FindByID(ctx, id)
	if err != nil {
		s.logger.WithError(err).WithField("account_id", id).Warn("Failed to reload account")
		return OutcomeError
	}
	return s.processLeased(ctx, account, bypassGate)
}

// processLeased runs one attempt for account. The caller holds its lease.
func (s *Scheduler) processLeased(ctx context.Context, account *accounts.Account, bypassGate bool) Outcome {
	log := observability.WithTraceContext(ctx, s.logger).WithField("account_id", account.ID)

	if account.Status != accounts.StatusPending {
		return OutcomeSkipped
	}
	now := s.clock.Now()
	if !bypassGate && !Eligible(account, now, s.config.BaseDelay) {
		return OutcomeWaiting
	}

	if account.Attempts >= s.config.MaxAttempts {
		reason := fmt.Sprintf("gave up after %d attempts", account.Attempts)
		account.Status = accounts.StatusFailed
		account.FailureReason = &reason
		if err := s.store.Save(ctx, account); err != nil {
			log.WithError(err).Error("Failed to mark account failed")
			return OutcomeError
		}
		s.metrics.ObserveTransition(string(accounts.StatusPending), string(accounts.StatusFailed))
		return OutcomeFailed
	}

	// The attempt is recorded before any work so a crash still counts it.
	account.Attempts++
	account.LastAttemptAt = &now
	if err := s.store.Save(ctx, account); err != nil {
		log.WithError(err).Error("Failed to record activation attempt")
		return OutcomeError
	}

	workErr := s.activate(ctx, account)
	log = log.WithField("attempt", account.Attempts)

	if workErr == nil {
		account.Status = accounts.StatusActive
		account.FailureReason = nil
		if err := s.store.Save(ctx, account); err != nil {
			log.WithError(err).Error("Failed to mark account active")
			return OutcomeError
		}
		s.metrics.ObserveTransition(string(accounts.StatusPending), string(accounts.StatusActive))
		log.Info("Account activated")
		return OutcomeActivated
	}

	reason := summarize(workErr)
	account.FailureReason = &reason
	outcome := OutcomeRetry
	if account.Attempts >= s.config.MaxAttempts {
		account.Status = accounts.StatusFailed
		outcome = OutcomeFailed
	}
	if err := s.store.Save(ctx, account); err != nil {
		log.WithError(err).Error("Failed to record activation failure")
		return OutcomeError
	}

	s.metrics.ObserveTransition(string(accounts.StatusPending), string(account.Status))
	entry := log.WithError(workErr).WithField("status", string(account.Status))
	if outcome == OutcomeFailed {
		entry.Error("Account activation failed permanently")
	} else {
		next := NextAttemptAt(account, s.config.BaseDelay)
		entry.WithField("next_attempt_at", next).Warn("Account activation failed, will retry")
	}
	return outcome
}

// activate is the secondary activation step. A notification failure is
// logged and does not fail the attempt.
func (s *Scheduler) activate(ctx context.Context, account *accounts.Account) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during activation: %v", r)
		}
	}()

	user, err := s.api.GetUser(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch identity: %w", err)
	}
	if err := s.roles.GrantRole(ctx, account.ID, s.config.BaselineRole); err != nil {
		return fmt.Errorf("failed to assign baseline role: %w", err)
	}

	if s.notifier != nil {
		if err := s.notifier.SendActivation(ctx, user.Email, user.Username, notify.NewActivationToken()); err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"account_id": account.ID,
				"username":   user.Username,
			}).Warn("Activation notification failed")
		}
	}
	return nil
}

func (s *Scheduler) refreshGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to count accounts")
		return
	}
	byName := make(map[string]int, len(counts))
	for status, n := range counts {
		byName[string(status)] = n
	}
	s.metrics.SetAccounts(byName)
}

// summarize shortens err's message to at most maxFailureReason bytes without
// splitting a UTF-8 sequence.
func summarize(err error) string {
	msg := err.Error()
	if len(msg) <= maxFailureReason {
		return msg
	}
	n := maxFailureReason - 3
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n] + "..."
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kv(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kv(keysAndValues)).Error(msg)
}

func kv(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
