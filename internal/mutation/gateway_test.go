package mutation

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/internal/records"
	"github.com/HerbHall/subnetgrid/internal/scan"
	"github.com/HerbHall/subnetgrid/internal/testutil"
	"github.com/HerbHall/subnetgrid/pkg/models"
)

type countingRefresher struct {
	calls atomic.Int32
	err   error
}

func (r *countingRefresher) Refresh(context.Context) error {
	r.calls.Add(1)
	return r.err
}

type fixture struct {
	fb        *testutil.FakeBackend
	store     *records.Store
	refresher *countingRefresher
	bus       *testutil.MockBus
	gw        *Gateway
}

func newFixture(t *testing.T, recs ...models.AddressRecord) *fixture {
	t.Helper()
	f := &fixture{
		fb:        testutil.NewFakeBackend(t),
		store:     records.NewStore(zap.NewNop()),
		refresher: &countingRefresher{},
		bus:       testutil.NewMockBus(),
	}
	require.NoError(t, f.store.Reset("10.0.0"))
	if len(recs) > 0 {
		_, err := f.store.ReplaceAll(recs)
		require.NoError(t, err)
	}
	f.gw = New(f.fb.Client(t), f.store, f.refresher, zap.NewNop(), WithBus(f.bus))
	return f
}

var declined = ConfirmFunc(func(context.Context, string) bool { return false })

func TestReserve_RequiresReservedFor(t *testing.T) {
	f := newFixture(t)

	for _, rf := range []string{"", "   "} {
		err := f.gw.Reserve(context.Background(), ReserveRequest{IP: "10.0.0.5", ReservedFor: rf})
		var vErr *backend.ValidationError
		require.True(t, errors.As(err, &vErr))
		assert.Equal(t, "reserved_for", vErr.Field)
	}
	err := f.gw.Reserve(context.Background(), ReserveRequest{IP: "10.0.0", ReservedFor: "db"})
	assert.True(t, backend.IsValidation(err))

	assert.Empty(t, f.fb.Requests())
	assert.Zero(t, f.refresher.calls.Load())
}

func TestReserve_SendsRequestMergesAndRefreshes(t *testing.T) {
	f := newFixture(t, testutil.NewRecord(testutil.WithHostname("db01")))
	f.fb.HandleJSON("POST /api/reserve", http.StatusOK, map[string]string{"status": "success"})

	err := f.gw.Reserve(context.Background(), ReserveRequest{
		IP: "10.0.0.5", ReservedFor: "postgres", Description: "primary", ReservedBy: "ops",
	})
	require.NoError(t, err)

	var body backend.ReserveRequest
	f.fb.Requests()[0].Decode(t, &body)
	assert.Equal(t, backend.ReserveRequest{IP: "10.0.0.5", ReservedFor: "postgres", Description: "primary", ReservedBy: "ops"}, body)

	rec, ok := f.store.Get("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, models.StatusReserved, rec.Status)
	assert.Equal(t, &models.Reservation{ReservedFor: "postgres", Description: "primary", ReservedBy: "ops"}, rec.Reservation)
	assert.Equal(t, "db01", rec.Hostname)
	assert.EqualValues(t, 1, f.refresher.calls.Load())
	assert.True(t, f.bus.HasTopic(TopicRecordUpdated))
}

func TestReserve_BackendDetailVerbatimNoRetry(t *testing.T) {
	f := newFixture(t, testutil.NewRecord())
	f.fb.HandleJSON("POST /api/reserve", http.StatusBadRequest, map[string]string{"detail": "IP 10.0.0.5 is already reserved"})

	err := f.gw.Reserve(context.Background(), ReserveRequest{IP: "10.0.0.5", ReservedFor: "x"})
	require.Error(t, err)
	assert.Equal(t, "IP 10.0.0.5 is already reserved", err.Error())
	assert.Equal(t, 1, f.fb.Count(http.MethodPost, "/api/reserve"))
	assert.Zero(t, f.refresher.calls.Load())

	rec, _ := f.store.Get("10.0.0.5")
	assert.Equal(t, models.StatusUp, rec.Status)
}

func TestRelease_WithoutConfirmationNeverReachesNetwork(t *testing.T) {
	f := newFixture(t, testutil.NewRecord(testutil.WithReservation("db", "ops")))

	for name, c := range map[string]Confirmer{"nil": nil, "declined": declined} {
		err := f.gw.Release(context.Background(), "10.0.0.5", c)
		assert.ErrorIs(t, err, backend.ErrNotConfirmed, name)
	}
	assert.Empty(t, f.fb.Requests())
	assert.Zero(t, f.refresher.calls.Load())
}

func TestRelease_ConfirmedRefreshes(t *testing.T) {
	f := newFixture(t, testutil.NewRecord(testutil.WithReservation("db", "ops")))
	f.fb.HandleJSON("POST /api/release/{ip}", http.StatusOK, map[string]string{"status": "success"})

	var asked string
	c := ConfirmFunc(func(_ context.Context, action string) bool {
		asked = action
		return true
	})
	require.NoError(t, f.gw.Release(context.Background(), "10.0.0.5", c))
	assert.Contains(t, asked, "10.0.0.5")
	assert.Equal(t, 1, f.fb.Count(http.MethodPost, "/api/release/10.0.0.5"))
	assert.EqualValues(t, 1, f.refresher.calls.Load())
}

func TestUpdateNotes_EmptyClears(t *testing.T) {
	f := newFixture(t, testutil.NewRecord(testutil.WithNotes("old")))
	f.fb.HandleJSON("PUT /api/node/update", http.StatusOK, map[string]string{})

	require.NoError(t, f.gw.UpdateNotes(context.Background(), "10.0.0.5", ""))

	var body map[string]any
	f.fb.Requests()[0].Decode(t, &body)
	assert.Equal(t, map[string]any{"ip": "10.0.0.5", "notes": ""}, body)

	rec, _ := f.store.Get("10.0.0.5")
	assert.Empty(t, rec.Notes)
	assert.EqualValues(t, 1, f.refresher.calls.Load())
}

func TestUpdateNotes_RefreshFailureIsNotReturned(t *testing.T) {
	f := newFixture(t, testutil.NewRecord())
	f.refresher.err = errors.New("backend down")
	f.fb.HandleJSON("PUT /api/node/update", http.StatusOK, map[string]string{})

	require.NoError(t, f.gw.UpdateNotes(context.Background(), "10.0.0.5", "rack 3"))
	rec, _ := f.store.Get("10.0.0.5")
	assert.Equal(t, "rack 3", rec.Notes)
}

func TestClearNetwork_WithoutConfirmationNeverReachesNetwork(t *testing.T) {
	f := newFixture(t, testutil.NewRecord())

	_, err := f.gw.ClearNetwork(context.Background(), "10.0.0", declined)
	assert.ErrorIs(t, err, backend.ErrNotConfirmed)
	assert.Empty(t, f.fb.Requests())
	assert.Equal(t, 1, f.store.Len())
}

func TestClearNetwork_ClearsSelectedSubnet(t *testing.T) {
	f := newFixture(t, testutil.NewRecord())
	f.fb.HandleJSON("DELETE /api/network/clear/{subnet}", http.StatusOK, map[string]any{
		"success": true, "subnet": "10.0.0", "message": "cleared", "nodes_deleted": 12,
	})

	res, err := f.gw.ClearNetwork(context.Background(), "10.0.0", Confirmed)
	require.NoError(t, err)
	assert.Equal(t, 12, res.NodesDeleted)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, "10.0.0", f.store.Subnet())
	assert.True(t, f.bus.HasTopic(TopicNetworkCleared))
	assert.Zero(t, f.refresher.calls.Load())
}

func TestClearNetwork_OtherSubnetKeepsStore(t *testing.T) {
	f := newFixture(t, testutil.NewRecord())
	f.fb.HandleJSON("DELETE /api/network/clear/{subnet}", http.StatusOK, map[string]any{"nodes_deleted": 3})

	_, err := f.gw.ClearNetwork(context.Background(), "192.168.1", Confirmed)
	require.NoError(t, err)
	assert.Equal(t, 1, f.fb.Count(http.MethodDelete, "/api/network/clear/192.168.1"))
	assert.Equal(t, 1, f.store.Len())
}

func TestResetStatus(t *testing.T) {
	f := newFixture(t)
	f.fb.HandleJSON("POST /api/network/reset-status/{subnet}", http.StatusOK, map[string]any{"message": "ok", "nodes_reset": 7})

	res, err := f.gw.ResetStatus(context.Background(), "10.0.0")
	require.NoError(t, err)
	assert.Equal(t, 7, res.NodesReset)
	assert.EqualValues(t, 1, f.refresher.calls.Load())

	_, err = f.gw.ResetStatus(context.Background(), "192.168.1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.refresher.calls.Load(), "other subnet does not re-scan")

	_, err = f.gw.ResetStatus(context.Background(), "not-a-subnet")
	assert.True(t, backend.IsValidation(err))
}

func TestReserve_RescanIsAuthoritative(t *testing.T) {
	fb := testutil.NewFakeBackend(t)
	store := records.NewStore(zap.NewNop())
	coord := scan.New(fb.Client(t), store, zap.NewNop())
	t.Cleanup(coord.Close)
	require.NoError(t, coord.SelectSubnet("10.0.0"))
	gw := New(fb.Client(t), store, coord, zap.NewNop())

	fb.HandleJSON("POST /api/reserve", http.StatusOK, map[string]string{"status": "success"})
	fb.HandleJSON("POST /api/scan", http.StatusOK, map[string]any{
		"results": []map[string]any{
			{"ip": "10.0.0.5", "status": "reserved", "is_reserved": true, "hostname": "nas"},
		},
	})

	require.NoError(t, gw.Reserve(context.Background(), ReserveRequest{IP: "10.0.0.5", ReservedFor: "backup"}))
	assert.Equal(t, 1, fb.Count(http.MethodPost, "/api/scan"))

	rec, ok := store.Get("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, "nas", rec.Hostname)
	require.NotNil(t, rec.Reservation)
	assert.Equal(t, "backup", rec.Reservation.ReservedFor)
}
