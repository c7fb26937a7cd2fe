// Package traffic drives throughput tests on the backend. Every started test
// gets its own poller keyed by test id; a separate loop mirrors the
// backend's active list for display.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/internal/metrics"
	"github.com/HerbHall/subnetgrid/internal/services"
	"github.com/HerbHall/subnetgrid/pkg/models"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

var (
	// ErrTestNotFound is returned for ids the orchestrator does not track.
	ErrTestNotFound = fmt.Errorf("traffic test %w", services.ErrNotFound)
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("traffic orchestrator closed")
)

// Backend is the subset of the backend client used for traffic tests.
type Backend interface {
	StartTest(ctx context.Context, req backend.StartTestRequest) (*backend.TestInfo, error)
	TestStatus(ctx context.Context, testID string) (*backend.TestInfo, error)
	TestResults(ctx context.Context, testID string) (*backend.TestResults, error)
	ActiveTests(ctx context.Context) (*backend.ActiveTests, error)
	CheckVM(ctx context.Context, ip string) (*models.Readiness, error)
}

// TargetWriter records addresses that are ready to be scraped.
type TargetWriter interface {
	Add(ip string) (bool, error)
}

// ExhaustPolicy decides what happens to a test whose poll budget ran out
// while the backend still reported it running.
type ExhaustPolicy string

const (
	// ExhaustKeep leaves the test listed as running, flagged PollExhausted.
	ExhaustKeep ExhaustPolicy = "keep"
	// ExhaustDrop removes the test from the tracked list.
	ExhaustDrop ExhaustPolicy = "drop"
)

// ParseExhaustPolicy validates s. An empty string selects ExhaustKeep.
func ParseExhaustPolicy(s string) (ExhaustPolicy, error) {
	switch p := ExhaustPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ExhaustKeep, nil
	case ExhaustKeep, ExhaustDrop:
		return p, nil
	default:
		return "", fmt.Errorf("invalid poll exhaustion policy %q (want keep or drop)", s)
	}
}

// Config holds the polling cadences.
type Config struct {
	PollInterval          time.Duration
	PollAttempts          int
	ActiveRefreshInterval time.Duration
	OnPollExhausted       ExhaustPolicy
	// RecentCompleted caps how many finished tests the active list shows.
	RecentCompleted int
}

// DefaultConfig returns 5s x 120 per-test polling and a 10s active list.
func DefaultConfig() Config {
	return Config{
		PollInterval:          5 * time.Second,
		PollAttempts:          120,
		ActiveRefreshInterval: 10 * time.Second,
		OnPollExhausted:       ExhaustKeep,
		RecentCompleted:       3,
	}
}

// StartRequest describes a test to run. Duration and Parallel are passed to
// the backend unmodified.
type StartRequest struct {
	SourceIP  string          `json:"source_ip"`
	TargetIP  string          `json:"target_ip"`
	Protocol  models.Protocol `json:"protocol"`
	Duration  int             `json:"duration"`
	Bandwidth string          `json:"bandwidth"`
	Parallel  int             `json:"parallel"`
	Reverse   bool            `json:"reverse"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig overrides DefaultConfig. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		def := DefaultConfig()
		if cfg.PollInterval <= 0 {
			cfg.PollInterval = def.PollInterval
		}
		if cfg.PollAttempts <= 0 {
			cfg.PollAttempts = def.PollAttempts
		}
		if cfg.ActiveRefreshInterval <= 0 {
			cfg.ActiveRefreshInterval = def.ActiveRefreshInterval
		}
		if cfg.OnPollExhausted == "" {
			cfg.OnPollExhausted = def.OnPollExhausted
		}
		if cfg.RecentCompleted <= 0 {
			cfg.RecentCompleted = def.RecentCompleted
		}
		o.cfg = cfg
	}
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = clk }
}

// WithBus publishes test events on bus.
func WithBus(bus plugin.EventBus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithMetrics records test outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithHistory persists every terminal test in repo.
func WithHistory(repo services.TrafficRepository) Option {
	return func(o *Orchestrator) { o.history = repo }
}

// WithTargets adds addresses that pass the readiness probe to w.
func WithTargets(w TargetWriter) Option {
	return func(o *Orchestrator) { o.targets = w }
}

type tracked struct {
	test   models.TrafficTest
	seq    uint64
	cancel context.CancelFunc
}

// Orchestrator tracks started tests and the backend's active list.
type Orchestrator struct {
	client  Backend
	cfg     Config
	clock   clock.Clock
	bus     plugin.EventBus
	metrics *metrics.Metrics
	history services.TrafficRepository
	targets TargetWriter
	logger  *zap.Logger

	pollWarn   rate.Sometimes
	activeWarn rate.Sometimes

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	tests   map[string]*tracked
	seq     uint64
	pollers int
	closed  bool

	activeMu     sync.Mutex
	active       ActiveSnapshot
	activeCancel context.CancelFunc
	activeDone   chan struct{}
	activeGroup  singleflight.Group
}

// New returns an Orchestrator.
func New(client Backend, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		client:     client,
		cfg:        DefaultConfig(),
		clock:      clock.NewClock(),
		logger:     logger,
		pollWarn:   rate.Sometimes{First: 3, Interval: time.Minute},
		activeWarn: rate.Sometimes{First: 3, Interval: time.Minute},
		baseCtx:    ctx,
		baseCancel: cancel,
		tests:      make(map[string]*tracked),
		active:     ActiveSnapshot{Tests: []models.TrafficTest{}},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

func validateStart(req *StartRequest) error {
	req.TargetIP = strings.TrimSpace(req.TargetIP)
	req.SourceIP = strings.TrimSpace(req.SourceIP)
	if req.TargetIP == "" {
		return &backend.ValidationError{Field: "target_ip", Reason: "required"}
	}
	if _, _, err := models.SplitAddress(req.TargetIP); err != nil {
		return &backend.ValidationError{Field: "target_ip", Reason: err.Error()}
	}
	if req.SourceIP != "" {
		if _, _, err := models.SplitAddress(req.SourceIP); err != nil {
			return &backend.ValidationError{Field: "source_ip", Reason: err.Error()}
		}
	}
	if req.TargetIP == req.SourceIP {
		return &backend.ValidationError{Field: "target_ip", Reason: "must differ from source_ip"}
	}
	if req.Protocol == "" {
		req.Protocol = models.ProtocolTCP
	}
	p, err := models.ParseProtocol(string(req.Protocol))
	if err != nil {
		return &backend.ValidationError{Field: "protocol", Reason: err.Error()}
	}
	req.Protocol = p
	return nil
}

// Start submits a test and, once the backend assigns an id, polls it until
// it is terminal or the poll budget runs out. Invalid input is rejected
// before any network call. A rejected submit is tracked as failed and the
// backend error is returned unchanged.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (models.TrafficTest, error) {
	if err := validateStart(&req); err != nil {
		return models.TrafficTest{}, err
	}

	localID := uuid.NewString()
	test := models.TrafficTest{
		LocalID:  localID,
		SourceIP: req.SourceIP,
		TargetIP: req.TargetIP,
		Protocol: req.Protocol,
		Status:   models.TestStarting,
		Config: models.TrafficConfig{
			Duration:  req.Duration,
			Bandwidth: req.Bandwidth,
			Parallel:  req.Parallel,
			Reverse:   req.Reverse,
		},
		StartTime: models.NewTimestamp(o.clock.Now()),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return models.TrafficTest{}, ErrClosed
	}
	o.seq++
	o.tests[localID] = &tracked{test: test, seq: o.seq}
	o.mu.Unlock()

	info, err := o.client.StartTest(ctx, backend.StartTestRequest{
		SourceIP:  req.SourceIP,
		TargetIP:  req.TargetIP,
		Protocol:  req.Protocol,
		Duration:  req.Duration,
		Bandwidth: req.Bandwidth,
		Parallel:  req.Parallel,
		Reverse:   req.Reverse,
	})
	if err != nil {
		failed := o.failStart(localID, err)
		return failed, err
	}

	o.mu.Lock()
	entry, ok := o.tests[localID]
	if !ok || o.closed {
		// Dismissed or closed while the submit was in flight. The backend
		// test still runs; nothing locally follows it.
		o.mu.Unlock()
		o.logger.Info("traffic test started after dismissal, not tracking", zap.String("test_id", info.TestID))
		test.TestID = info.TestID
		test.Status = models.TestRunning
		return test, nil
	}
	delete(o.tests, localID)
	entry.test.TestID = info.TestID
	entry.test.Status = models.TestRunning
	if !info.StartTime.IsZero() {
		entry.test.StartTime = info.StartTime
	}
	pollCtx, cancel := context.WithCancel(o.baseCtx)
	entry.cancel = cancel
	if prev, dup := o.tests[info.TestID]; dup && prev.cancel != nil {
		prev.cancel()
	}
	o.tests[info.TestID] = entry
	o.pollers++
	o.metrics.SetTrafficPollers(o.pollers)
	started := entry.test
	o.wg.Add(1)
	o.mu.Unlock()

	go o.poll(pollCtx, info.TestID)

	o.logger.Info("traffic test started",
		zap.String("test_id", started.TestID),
		zap.String("source_ip", started.SourceIP),
		zap.String("target_ip", started.TargetIP),
		zap.String("protocol", string(started.Protocol)),
	)
	o.publish(TopicTestStarted, started)
	return started, nil
}

func (o *Orchestrator) failStart(localID string, err error) models.TrafficTest {
	o.mu.Lock()
	var test models.TrafficTest
	if entry, ok := o.tests[localID]; ok {
		entry.test.Status = models.TestFailed
		entry.test.Error = err.Error()
		entry.test.EndTime = models.NewTimestamp(o.clock.Now())
		test = entry.test
	}
	o.mu.Unlock()

	o.metrics.TrafficTestFinished(metrics.OutcomeStartFailed)
	o.logger.Warn("traffic test rejected", zap.String("local_id", localID), zap.Error(err))
	if test.LocalID != "" {
		o.publish(TopicTestFailed, test)
	}
	return test
}

// poll drives one test to a terminal state. It issues at most PollAttempts
// status requests, one per tick, and fetches results exactly once.
func (o *Orchestrator) poll(ctx context.Context, testID string) {
	defer o.wg.Done()
	defer o.pollerDone()

	ticker := o.clock.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= o.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		info, err := o.client.TestStatus(ctx, testID)
		if ctx.Err() != nil {
			return
		}
		var st models.TestStatus
		if err == nil {
			st, err = models.ParseTestStatus(info.Status)
		}
		o.update(testID, func(t *models.TrafficTest) { t.PollAttempts = attempt })
		if err != nil {
			o.metrics.PollError("traffic_status")
			o.pollWarn.Do(func() {
				o.logger.Warn("traffic status poll failed",
					zap.String("test_id", testID),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
			})
			continue
		}
		if st.Terminal() {
			o.complete(ctx, testID, st, info)
			return
		}
	}
	o.exhaust(testID)
}

func (o *Orchestrator) pollerDone() {
	o.mu.Lock()
	o.pollers--
	o.metrics.SetTrafficPollers(o.pollers)
	o.mu.Unlock()
}

// complete records a terminal status and fetches the result payload once.
func (o *Orchestrator) complete(ctx context.Context, testID string, st models.TestStatus, info *backend.TestInfo) {
	test, ok := o.Test(testID)
	if !ok {
		return
	}

	var (
		result *models.TrafficResult
		errMsg = info.Error
	)
	res, err := o.client.TestResults(ctx, testID)
	switch {
	case err != nil:
		if errMsg == "" {
			errMsg = "results unavailable: " + err.Error()
		}
	case st == models.TestCompleted:
		result, err = res.Result(test.Protocol)
		if err != nil {
			errMsg = err.Error()
		}
	default:
		if errMsg == "" {
			errMsg = res.Error
		}
	}

	end := info.EndTime
	if end.IsZero() {
		end = models.NewTimestamp(o.clock.Now())
	}
	final, ok := o.update(testID, func(t *models.TrafficTest) {
		t.Status = st
		t.EndTime = end
		t.Result = result
		t.Error = errMsg
	})
	if !ok {
		return
	}

	if o.history != nil {
		if err := o.history.Save(context.WithoutCancel(ctx), &final); err != nil {
			o.logger.Warn("traffic result not persisted", zap.String("test_id", testID), zap.Error(err))
		}
	}

	topic, outcome := TopicTestCompleted, metrics.OutcomeCompleted
	if st == models.TestFailed {
		topic, outcome = TopicTestFailed, metrics.OutcomeFailed
	}
	o.metrics.TrafficTestFinished(outcome)
	o.logger.Info("traffic test finished",
		zap.String("test_id", testID),
		zap.String("status", string(st)),
		zap.Int("polls", final.PollAttempts),
		zap.String("error", final.Error),
	)
	o.publish(topic, final)
}

// exhaust handles a test still running after the last poll. It is never
// reported as completed or failed.
func (o *Orchestrator) exhaust(testID string) {
	final, ok := o.update(testID, func(t *models.TrafficTest) { t.PollExhausted = true })
	if !ok {
		return
	}
	if o.cfg.OnPollExhausted == ExhaustDrop {
		o.mu.Lock()
		delete(o.tests, testID)
		o.mu.Unlock()
	}
	o.metrics.TrafficTestFinished(metrics.OutcomePollExhausted)
	o.logger.Warn("traffic test poll budget exhausted while running",
		zap.String("test_id", testID),
		zap.Int("attempts", o.cfg.PollAttempts),
		zap.String("policy", string(o.cfg.OnPollExhausted)),
	)
	o.publish(TopicTestPollExhausted, final)
}

// update applies fn to a tracked test and returns the result.
func (o *Orchestrator) update(id string, fn func(*models.TrafficTest)) (models.TrafficTest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.tests[id]
	if !ok {
		return models.TrafficTest{}, false
	}
	fn(&entry.test)
	return cloneTest(entry.test), true
}

// Test returns the tracked test with the given test id or local id.
func (o *Orchestrator) Test(id string) (models.TrafficTest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.tests[id]
	if !ok {
		return models.TrafficTest{}, false
	}
	return cloneTest(entry.test), true
}

// Tests returns every tracked test in start order.
func (o *Orchestrator) Tests() []models.TrafficTest {
	o.mu.Lock()
	entries := make([]*tracked, 0, len(o.tests))
	for _, e := range o.tests {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]models.TrafficTest, len(entries))
	for i, e := range entries {
		out[i] = cloneTest(e.test)
	}
	o.mu.Unlock()
	return out
}

// Dismiss stops following a test and removes it from the tracked list.
// The backend test itself is not affected.
func (o *Orchestrator) Dismiss(id string) error {
	o.mu.Lock()
	entry, ok := o.tests[id]
	if ok {
		delete(o.tests, id)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTestNotFound, id)
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	o.logger.Debug("traffic test dismissed", zap.String("id", id))
	return nil
}

// CheckReadiness probes whether ip runs the agents a test needs. Ready
// addresses are added to the monitoring targets when configured.
func (o *Orchestrator) CheckReadiness(ctx context.Context, ip string) (*models.Readiness, error) {
	ip = strings.TrimSpace(ip)
	if _, _, err := models.SplitAddress(ip); err != nil {
		return nil, &backend.ValidationError{Field: "ip", Reason: err.Error()}
	}
	r, err := o.client.CheckVM(ctx, ip)
	if err != nil {
		return nil, err
	}
	if r.IP == "" {
		r.IP = ip
	}
	if r.Ready && o.targets != nil {
		if changed, err := o.targets.Add(ip); err != nil {
			o.logger.Warn("monitoring target not recorded", zap.String("ip", ip), zap.Error(err))
		} else if changed {
			o.logger.Info("monitoring target added", zap.String("ip", ip))
		}
	}
	return r, nil
}

// Close stops every poller and the active-list refresh and waits for them.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.StopActiveRefresh()
	o.baseCancel()
	o.wg.Wait()
}

func (o *Orchestrator) publish(topic string, t models.TrafficTest) {
	if o.bus == nil {
		return
	}
	o.bus.PublishAsync(o.baseCtx, plugin.Event{
		Topic:     topic,
		Source:    "traffic",
		Timestamp: o.clock.Now(),
		Payload: TestEvent{
			TestID:   t.TestID,
			LocalID:  t.LocalID,
			SourceIP: t.SourceIP,
			TargetIP: t.TargetIP,
			Protocol: string(t.Protocol),
			Status:   string(t.Status),
			Error:    t.Error,
		},
	})
}

func cloneTest(t models.TrafficTest) models.TrafficTest {
	if t.Result != nil {
		r := *t.Result
		if r.TCP != nil {
			tcp := *r.TCP
			r.TCP = &tcp
		}
		if r.UDP != nil {
			udp := *r.UDP
			r.UDP = &udp
		}
		t.Result = &r
	}
	return t
}
