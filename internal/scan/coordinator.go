// Package scan runs full-subnet sweeps against the backend and keeps the
// record store fresh. At most one scan is in flight per Coordinator.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/internal/metrics"
	"github.com/HerbHall/subnetgrid/internal/records"
	"github.com/HerbHall/subnetgrid/internal/services"
	"github.com/HerbHall/subnetgrid/pkg/models"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

const (
	progressStep     = 10
	progressTick     = 200 * time.Millisecond
	progressCeiling  = 90
	progressComplete = 100

	lastHostOctet = records.GridSize - 1
)

var (
	// ErrScanInProgress is returned by StartScan while a scan is in flight.
	ErrScanInProgress = errors.New("scan already in progress")
	// ErrNoSubnet is returned when scanning before a subnet is selected.
	ErrNoSubnet = records.ErrNoSubnet
	// ErrSubnetChanged is returned when the subnet was switched while the
	// scan was in flight. Its result is discarded.
	ErrSubnetChanged = errors.New("subnet changed during scan")
)

// Scanner issues the backend sweep.
type Scanner interface {
	Scan(ctx context.Context, req backend.ScanRequest) (*backend.ScanResponse, error)
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Subnet              string             `json:"subnet"`
	Scanning            bool               `json:"scanning"`
	Progress            int                `json:"progress"`
	LastSuccess         models.Timestamp   `json:"last_success"`
	LastError           string             `json:"last_error,omitempty"`
	LastResult          *models.ScanResult `json:"last_result,omitempty"`
	AutoRefresh         bool               `json:"auto_refresh"`
	AutoRefreshInterval string             `json:"auto_refresh_interval,omitempty"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBus publishes scan events on bus.
func WithBus(bus plugin.EventBus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithScanLog appends every finished scan to repo.
func WithScanLog(repo services.ScanRepository) Option {
	return func(c *Coordinator) { c.scanLog = repo }
}

// WithMetrics records scan metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// Coordinator owns the scan lifecycle for one record store.
type Coordinator struct {
	client  Scanner
	store   *records.Store
	bus     plugin.EventBus
	scanLog services.ScanRepository
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *zap.Logger
	warn    rate.Sometimes

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	gen         uint64
	inFlight    bool
	pending     bool
	cancelScan  context.CancelFunc
	startedAt   time.Time
	finished    bool
	lastSuccess time.Time
	lastError   string
	lastResult  *models.ScanResult

	autoEnabled  bool
	autoInterval time.Duration
	autoCancel   context.CancelFunc
	autoDone     chan struct{}
}

// New returns a Coordinator writing into store.
func New(client Scanner, store *records.Store, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		client:     client,
		store:      store,
		clock:      clock.NewClock(),
		logger:     logger,
		warn:       rate.Sometimes{First: 3, Interval: time.Minute},
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartScan sweeps host octets 0-255 of the selected subnet and replaces the
// store with the result. It returns ErrScanInProgress without contacting the
// backend if another scan is in flight. On failure the store is untouched.
func (c *Coordinator) StartScan(ctx context.Context) (*models.ScanResult, error) {
	c.mu.Lock()
	subnet := c.store.Subnet()
	if subnet == "" {
		c.mu.Unlock()
		return nil, ErrNoSubnet
	}
	if c.inFlight {
		c.mu.Unlock()
		return nil, ErrScanInProgress
	}
	scanCtx, gen := c.beginLocked(ctx)
	c.mu.Unlock()

	res, err := c.run(scanCtx, subnet, gen)
	c.finish()
	return res, err
}

// Refresh brings the store up to date after a write to the backend. When
// idle it scans synchronously. When a scan is already in flight, which may
// have read the backend before the write landed, one follow-up scan is
// queued behind it and Refresh returns immediately. Requests made while a
// follow-up is queued coalesce into it.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	subnet := c.store.Subnet()
	if subnet == "" {
		c.mu.Unlock()
		return ErrNoSubnet
	}
	if c.inFlight {
		c.pending = true
		c.mu.Unlock()
		c.logger.Debug("scan in flight, follow-up queued", zap.String("subnet", subnet))
		return nil
	}
	scanCtx, gen := c.beginLocked(ctx)
	c.mu.Unlock()

	_, err := c.run(scanCtx, subnet, gen)
	c.finish()
	return err
}

// beginLocked marks a scan in flight. c.mu must be held.
func (c *Coordinator) beginLocked(parent context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)
	c.inFlight = true
	c.finished = false
	c.cancelScan = cancel
	c.startedAt = c.clock.Now()
	return ctx, c.gen
}

// finish clears the in-flight mark, or hands over to a queued follow-up
// scan without ever letting a second request start in between.
func (c *Coordinator) finish() {
	c.mu.Lock()
	if c.cancelScan != nil {
		c.cancelScan()
		c.cancelScan = nil
	}
	if !c.pending || c.store.Subnet() == "" {
		c.pending = false
		c.inFlight = false
		c.mu.Unlock()
		return
	}
	c.pending = false
	subnet := c.store.Subnet()
	scanCtx, gen := c.beginLocked(c.baseCtx)
	c.mu.Unlock()

	go func() {
		if _, err := c.run(scanCtx, subnet, gen); err != nil {
			c.logger.Warn("follow-up scan failed", zap.String("subnet", subnet), zap.Error(err))
		}
		c.finish()
	}()
}

func (c *Coordinator) run(ctx context.Context, subnet string, gen uint64) (*models.ScanResult, error) {
	start := c.clock.Now()
	entry := &models.ScanResult{
		Subnet:    subnet,
		StartedAt: models.NewTimestamp(start),
		Status:    "running",
	}
	if c.scanLog != nil {
		if err := c.scanLog.Create(ctx, entry); err != nil {
			c.logger.Warn("scan log create failed", zap.Error(err))
		}
	}
	c.publish(ctx, TopicScanStarted, ScanEvent{ScanID: entry.ID, Subnet: subnet})
	c.logger.Info("scan started", zap.String("subnet", subnet))

	resp, err := c.client.Scan(ctx, backend.ScanRequest{Subnet: subnet, StartIP: 0, EndIP: lastHostOctet})
	elapsed := c.clock.Since(start)
	if err == nil {
		err = c.apply(gen, entry, resp, elapsed)
	} else if c.stale(gen) {
		err = ErrSubnetChanged
	}
	entry.EndedAt = models.NewTimestamp(c.clock.Now())
	c.metrics.ScanFinished(elapsed, err)

	if err != nil {
		entry.Status = "failed"
		entry.Error = err.Error()
		c.mu.Lock()
		if gen == c.gen {
			c.lastError = entry.Error
		}
		c.mu.Unlock()
		c.recordFinish(entry)
		c.publish(ctx, TopicScanFailed, ScanEvent{ScanID: entry.ID, Subnet: subnet, Error: entry.Error})
		c.logger.Warn("scan failed", zap.String("subnet", subnet), zap.Duration("elapsed", elapsed), zap.Error(err))
		return nil, err
	}

	c.recordFinish(entry)
	c.publish(ctx, TopicScanCompleted, ScanEvent{ScanID: entry.ID, Subnet: subnet, Result: summaryOf(entry)})
	c.logger.Info("scan completed",
		zap.String("subnet", subnet),
		zap.Int("records", len(entry.Records)),
		zap.Int("active", entry.Active),
		zap.Duration("elapsed", elapsed),
	)
	return entry, nil
}

func (c *Coordinator) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.gen
}

// apply writes a successful response into the store unless the subnet was
// switched meanwhile. c.mu is held across the generation check and the write
// so SelectSubnet cannot interleave.
func (c *Coordinator) apply(gen uint64, entry *models.ScanResult, resp *backend.ScanResponse, elapsed time.Duration) error {
	recs := make([]models.AddressRecord, 0, len(resp.Results))
	for _, r := range resp.Results {
		recs = append(recs, r.Record())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return ErrSubnetChanged
	}
	if _, err := c.store.ReplaceAll(recs); err != nil {
		return fmt.Errorf("apply scan: %w", err)
	}

	entry.Status = "completed"
	entry.Records = c.store.All()
	fillSummary(entry, resp, elapsed)
	c.finished = true
	c.lastSuccess = c.clock.Now()
	c.lastError = ""
	c.lastResult = summaryOf(entry)

	counts := c.store.Counts()
	c.metrics.SetGridAddresses(string(models.StatusUp), counts.Up)
	c.metrics.SetGridAddresses(string(models.StatusDown), counts.Down)
	c.metrics.SetGridAddresses(string(models.StatusPreviouslyUsed), counts.PreviouslyUsed)
	c.metrics.SetGridAddresses(string(models.StatusReserved), counts.Reserved)
	c.metrics.SetGridAddresses(string(models.StatusUnknown), counts.Unknown)
	return nil
}

// fillSummary takes the backend's counts where present and derives the rest
// from the returned records.
func fillSummary(entry *models.ScanResult, resp *backend.ScanResponse, elapsed time.Duration) {
	var derived records.Counts
	for _, r := range entry.Records {
		derived.Add(r.Status)
	}
	pick := func(p *int, fallback int) int {
		if p != nil {
			return *p
		}
		return fallback
	}
	entry.Total = pick(resp.TotalIPs, records.GridSize)
	entry.Active = pick(resp.ActiveIPs, derived.Up)
	entry.Inactive = pick(resp.InactiveIPs, derived.Down)
	entry.PreviouslyUsed = pick(resp.PreviouslyUsedIPs, derived.PreviouslyUsed)
	entry.Reserved = pick(resp.ReservedIPs, derived.Reserved)
	entry.ScanTime = resp.ScanTime
	if entry.ScanTime == 0 {
		entry.ScanTime = elapsed.Seconds()
	}
}

func summaryOf(entry *models.ScanResult) *models.ScanResult {
	s := *entry
	s.Records = nil
	return &s
}

func (c *Coordinator) recordFinish(entry *models.ScanResult) {
	if c.scanLog == nil || entry.ID == "" {
		return
	}
	// The scan's own context may already be canceled.
	if err := c.scanLog.Finish(context.Background(), entry); err != nil {
		c.logger.Warn("scan log finish failed", zap.String("scan_id", entry.ID), zap.Error(err))
	}
}

func (c *Coordinator) publish(ctx context.Context, topic string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.PublishAsync(context.WithoutCancel(ctx), plugin.Event{
		Topic:     topic,
		Source:    "grid",
		Timestamp: c.clock.Now(),
		Payload:   payload,
	})
}

// SelectSubnet switches the grid to subnet. The store is cleared at once,
// any scan of the previous subnet is canceled and its result discarded, and
// a running auto-refresh is restarted for the new subnet.
func (c *Coordinator) SelectSubnet(subnet string) error {
	norm, err := models.NormalizeSubnet(subnet)
	if err != nil {
		return &backend.ValidationError{Field: "subnet", Reason: err.Error()}
	}

	c.mu.Lock()
	previous := c.store.Subnet()
	c.stopAutoLocked()
	c.gen++
	if c.cancelScan != nil {
		c.cancelScan()
	}
	if err := c.store.Reset(norm); err != nil {
		c.mu.Unlock()
		return err
	}
	c.pending = false
	c.finished = false
	c.lastSuccess = time.Time{}
	c.lastError = ""
	c.lastResult = nil
	restart := c.autoEnabled
	interval := c.autoInterval
	if restart {
		c.startAutoLocked(interval)
	}
	c.mu.Unlock()

	c.publish(c.baseCtx, TopicSubnetSelected, SubnetSelectedEvent{Previous: previous, Subnet: norm})
	c.logger.Info("subnet selected", zap.String("subnet", norm), zap.String("previous", previous))
	return nil
}

// EnableAutoRefresh rescans the selected subnet every interval until
// disabled, the subnet changes, or Close is called. A failed tick is logged
// and the next tick still fires.
func (c *Coordinator) EnableAutoRefresh(interval time.Duration) error {
	if interval <= 0 {
		return &backend.ValidationError{Field: "interval", Reason: "must be positive"}
	}
	c.mu.Lock()
	done := c.stopAutoLocked()
	c.autoEnabled = true
	c.autoInterval = interval
	c.startAutoLocked(interval)
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	c.logger.Info("auto refresh enabled", zap.Duration("interval", interval))
	return nil
}

// DisableAutoRefresh stops the auto-refresh loop and waits for it to exit.
func (c *Coordinator) DisableAutoRefresh() {
	c.mu.Lock()
	c.autoEnabled = false
	done := c.stopAutoLocked()
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// startAutoLocked launches the loop. c.mu must be held.
func (c *Coordinator) startAutoLocked(interval time.Duration) {
	ctx, cancel := context.WithCancel(c.baseCtx)
	done := make(chan struct{})
	c.autoCancel = cancel
	c.autoDone = done
	go c.autoLoop(ctx, interval, done)
}

// stopAutoLocked cancels the loop and returns a channel closed once it has
// exited. c.mu must be held; wait on the channel only after releasing it.
func (c *Coordinator) stopAutoLocked() chan struct{} {
	if c.autoCancel == nil {
		return nil
	}
	c.autoCancel()
	done := c.autoDone
	c.autoCancel = nil
	c.autoDone = nil
	return done
}

func (c *Coordinator) autoLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if ctx.Err() != nil {
				return
			}
			_, err := c.StartScan(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrScanInProgress), errors.Is(err, ErrNoSubnet):
				c.logger.Debug("auto refresh tick skipped", zap.Error(err))
			case ctx.Err() != nil:
				return
			default:
				c.metrics.PollError("auto_refresh")
				c.warn.Do(func() {
					c.logger.Warn("auto refresh scan failed", zap.Error(err))
				})
			}
		}
	}
}

// Progress returns the cosmetic completion estimate of the current scan:
// 10 points per 200ms, held at 90 until the response lands, then 100.
func (c *Coordinator) Progress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progressLocked()
}

func (c *Coordinator) progressLocked() int {
	if !c.inFlight {
		if c.finished {
			return progressComplete
		}
		return 0
	}
	p := progressStep * int(c.clock.Since(c.startedAt)/progressTick)
	if p > progressCeiling {
		p = progressCeiling
	}
	return p
}

// LastSuccess returns when the store was last replaced by a scan.
func (c *Coordinator) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

// Status reports the coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Subnet:      c.store.Subnet(),
		Scanning:    c.inFlight,
		Progress:    c.progressLocked(),
		LastSuccess: models.NewTimestamp(c.lastSuccess),
		LastError:   c.lastError,
		AutoRefresh: c.autoEnabled,
	}
	if c.autoEnabled {
		s.AutoRefreshInterval = c.autoInterval.String()
	}
	if c.lastResult != nil {
		r := *c.lastResult
		s.LastResult = &r
	}
	return s
}

// Close stops auto-refresh, cancels any scan in flight, and waits for the
// auto-refresh loop to exit.
func (c *Coordinator) Close() {
	c.mu.Lock()
	done := c.stopAutoLocked()
	if c.cancelScan != nil {
		c.cancelScan()
	}
	c.mu.Unlock()
	c.baseCancel()
	if done != nil {
		<-done
	}
}
