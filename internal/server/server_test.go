package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/event"
	"github.com/HerbHall/subnetgrid/internal/registry"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

type stubPlugin struct {
	name   string
	health string
}

func (p *stubPlugin) Info() plugin.PluginInfo {
	return plugin.PluginInfo{Name: p.name, Version: "1.0.0", APIVersion: plugin.APIVersionCurrent}
}
func (p *stubPlugin) Init(context.Context, plugin.Dependencies) error { return nil }
func (p *stubPlugin) Start(context.Context) error                     { return nil }
func (p *stubPlugin) Stop(context.Context) error                      { return nil }

func (p *stubPlugin) Health(context.Context) plugin.HealthStatus {
	return plugin.HealthStatus{Status: p.health}
}

func (p *stubPlugin) Routes() []plugin.Route {
	return []plugin.Route{{
		Method: "GET",
		Path:   "/ping",
		Handler: func(w http.ResponseWriter, _ *http.Request) {
			WriteJSON(w, http.StatusOK, map[string]string{"plugin": p.name})
		},
	}}
}

func newTestServer(t *testing.T, plugins []plugin.Plugin, opts ...Option) *Server {
	t.Helper()
	reg := registry.New(zap.NewNop())
	for _, p := range plugins {
		require.NoError(t, reg.Register(p))
	}
	require.NoError(t, reg.Validate())
	require.NoError(t, reg.InitAll(context.Background(), func(string) plugin.Dependencies {
		return plugin.Dependencies{Logger: zap.NewNop()}
	}))
	return New("127.0.0.1:0", reg, zap.NewNop(), opts...)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		health string
		want   string
	}{
		{"healthy", "healthy", "ok"},
		{"degraded plugin keeps ok", "degraded", "ok"},
		{"unhealthy plugin", "unhealthy", "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, []plugin.Plugin{&stubPlugin{name: "grid", health: tt.health}})

			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody))

			require.Equal(t, http.StatusOK, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-SubnetGrid-Version"))
			var body struct {
				Status  string                         `json:"status"`
				Service string                         `json:"service"`
				Plugins map[string]plugin.HealthStatus `json:"plugins"`
			}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.want, body.Status)
			assert.Equal(t, "subnetgrid", body.Service)
			assert.Equal(t, tt.health, body.Plugins["grid"].Status)
		})
	}
}

func TestPluginRoutesMounted(t *testing.T) {
	srv := newTestServer(t, []plugin.Plugin{&stubPlugin{name: "grid"}, &stubPlugin{name: "traffic"}})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/traffic/ping", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"plugin":"traffic"}`, w.Body.String())

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/traffic/ping", http.NoBody))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestPluginsListing(t *testing.T) {
	srv := newTestServer(t, []plugin.Plugin{&stubPlugin{name: "grid"}})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/plugins", http.NoBody))

	require.Equal(t, http.StatusOK, w.Code)
	var states []registry.PluginState
	require.NoError(t, json.NewDecoder(w.Body).Decode(&states))
	require.Len(t, states, 1)
	assert.Equal(t, "grid", states[0].Name)
	assert.True(t, states[0].Enabled)
}

func TestMetricsRouteOptional(t *testing.T) {
	srv := newTestServer(t, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusNotFound, w.Code)

	srv = newTestServer(t, nil, WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})))
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "# metrics"))
}

func dialEvents(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/events", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func TestEventHub_StreamsBusEvents(t *testing.T) {
	bus := event.NewBus(zap.NewNop())
	hub := NewEventHub(bus, zap.NewNop())
	srv := newTestServer(t, nil, WithEventHub(hub))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(hub.Close)

	conn := dialEvents(t, ts)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), plugin.Event{
		Topic:   "grid.scan.completed",
		Source:  "grid",
		Payload: map[string]any{"subnet": "10.0.0"},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got plugin.Event
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "grid.scan.completed", got.Topic)
	assert.Equal(t, "grid", got.Source)
}

func TestEventHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewEventHub(event.NewBus(zap.NewNop()), zap.NewNop())
	srv := newTestServer(t, nil, WithEventHub(hub))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dialEvents(t, ts)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Zero(t, hub.Clients())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestEventHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewEventHub(nil, zap.NewNop())
	srv := newTestServer(t, nil, WithEventHub(hub))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", http.NoBody)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, hub.Clients())
}
