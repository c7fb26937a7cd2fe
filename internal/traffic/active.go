package traffic

import (
	"context"

	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/pkg/models"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

// ActiveSnapshot is the backend's own list of running tests plus the most
// recently completed ones. It is display-only and never drives the
// per-test pollers.
type ActiveSnapshot struct {
	Tests       []models.TrafficTest `json:"tests"`
	RefreshedAt models.Timestamp     `json:"refreshed_at"`
	Error       string               `json:"error,omitempty"`
}

// StartActiveRefresh fetches the active list now and then every
// ActiveRefreshInterval until StopActiveRefresh or Close. Calling it while
// running is a no-op.
func (o *Orchestrator) StartActiveRefresh() {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return
	}

	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if o.activeCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	done := make(chan struct{})
	o.activeCancel = cancel
	o.activeDone = done
	go o.activeLoop(ctx, done)
}

// StopActiveRefresh stops the active-list loop and waits for it to exit.
// Per-test pollers are not affected.
func (o *Orchestrator) StopActiveRefresh() {
	o.activeMu.Lock()
	cancel, done := o.activeCancel, o.activeDone
	o.activeCancel, o.activeDone = nil, nil
	o.activeMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (o *Orchestrator) activeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := o.clock.NewTicker(o.cfg.ActiveRefreshInterval)
	defer ticker.Stop()

	_, _ = o.RefreshActive(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			_, _ = o.RefreshActive(ctx)
		}
	}
}

// RefreshActive fetches the backend's active list and replaces the snapshot
// wholesale. On failure the previous tests are kept and Error is set.
// Concurrent calls share one request.
func (o *Orchestrator) RefreshActive(ctx context.Context) (ActiveSnapshot, error) {
	v, err, _ := o.activeGroup.Do("active", func() (any, error) {
		resp, err := o.client.ActiveTests(ctx)
		if err != nil {
			return nil, err
		}
		return o.buildActive(resp), nil
	})

	o.activeMu.Lock()
	if err != nil {
		o.active.Error = err.Error()
	} else {
		o.active = v.(ActiveSnapshot)
	}
	snap := cloneSnapshot(o.active)
	o.activeMu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return snap, err
		}
		o.metrics.PollError("traffic_active")
		o.activeWarn.Do(func() {
			o.logger.Warn("active test list refresh failed", zap.Error(err))
		})
		o.publishActive(len(snap.Tests), err.Error())
		return snap, err
	}
	o.publishActive(len(snap.Tests), "")
	return snap, nil
}

func (o *Orchestrator) buildActive(resp *backend.ActiveTests) ActiveSnapshot {
	completed := resp.Completed
	if len(completed) > o.cfg.RecentCompleted {
		completed = completed[:o.cfg.RecentCompleted]
	}
	snap := ActiveSnapshot{
		Tests:       make([]models.TrafficTest, 0, len(resp.Active)+len(completed)),
		RefreshedAt: models.NewTimestamp(o.clock.Now()),
	}
	for _, list := range [][]backend.TestInfo{resp.Active, completed} {
		for _, info := range list {
			t, err := info.Test()
			if err != nil {
				o.logger.Debug("skipping active entry", zap.String("test_id", info.TestID), zap.Error(err))
				continue
			}
			snap.Tests = append(snap.Tests, t)
		}
	}
	return snap
}

// ActiveTests returns the last fetched active list.
func (o *Orchestrator) ActiveTests() ActiveSnapshot {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	return cloneSnapshot(o.active)
}

func (o *Orchestrator) publishActive(n int, errMsg string) {
	if o.bus == nil {
		return
	}
	o.bus.PublishAsync(o.baseCtx, plugin.Event{
		Topic:     TopicActiveRefreshed,
		Source:    "traffic",
		Timestamp: o.clock.Now(),
		Payload:   ActiveRefreshedEvent{Count: n, Error: errMsg},
	})
}

func cloneSnapshot(s ActiveSnapshot) ActiveSnapshot {
	out := s
	out.Tests = make([]models.TrafficTest, len(s.Tests))
	for i, t := range s.Tests {
		out.Tests[i] = cloneTest(t)
	}
	return out
}
