package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/tiprouter/keeper/pkg/keeper"
	"github.com/malbeclabs/tiprouter/router/pkg/epochstate"
	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/rewardrouter"
	routertesting "github.com/malbeclabs/tiprouter/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type mockKeeper struct {
	ready    bool
	snapshot *keeper.Snapshot
}

func (m *mockKeeper) Ready() bool { return m.ready }

func (m *mockKeeper) Snapshot() (keeper.Snapshot, bool) {
	if m.snapshot == nil {
		return keeper.Snapshot{}, false
	}
	return *m.snapshot, true
}

func newTestServer(t *testing.T, k Keeper, origins ...string) http.Handler {
	t.Helper()
	s, err := New(Config{
		Logger:         routertesting.NewLogger(),
		Keeper:         k,
		ListenAddr:     "127.0.0.1:0",
		VersionInfo:    VersionInfo{Version: "1.2.3", Commit: "abc", Date: "2026-03-01"},
		AllowedOrigins: origins,
	})
	require.NoError(t, err)
	return s.Handler()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func testSnapshot(t *testing.T) *keeper.Snapshot {
	t.Helper()
	ncn := solana.NewWallet().PublicKey()
	st := epochstate.New(ncn, 10, 900)
	require.NoError(t, st.UpdateInitializeWeightTable(1))

	router := rewardrouter.New(ncn, 10, 1_000)
	_, err := router.RouteIncomingRewards(5_000)
	require.NoError(t, err)
	operator, receiver := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	_, err = router.AuthorizeReceiver(operator, fees.DefaultNcnFeeGroup, receiver)
	require.NoError(t, err)

	return &keeper.Snapshot{
		NCN:        ncn,
		Epoch:      10,
		Slot:       1_010,
		State:      epochstate.StateSetWeight,
		EpochState: st,
		Router:     router,
		LastRunID:  uuid.New(),
		LastRunAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestTipRouter_Server_Config(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Keeper: &mockKeeper{}, ListenAddr: ":0"})
	require.EqualError(t, err, "logger is required")
	_, err = New(Config{Logger: routertesting.NewLogger(), ListenAddr: ":0"})
	require.EqualError(t, err, "keeper is required")
	_, err = New(Config{Logger: routertesting.NewLogger(), Keeper: &mockKeeper{}})
	require.EqualError(t, err, "listen addr is required")
}

func TestTipRouter_Server_Probes(t *testing.T) {
	t.Parallel()

	k := &mockKeeper{}
	h := newTestServer(t, k)

	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())

	require.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)
	k.ready = true
	require.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	rec = get(t, h, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	var v VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	require.Equal(t, "1.2.3", v.Version)

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestTipRouter_Server_Epoch(t *testing.T) {
	t.Parallel()

	k := &mockKeeper{}
	h := newTestServer(t, k)
	require.Equal(t, http.StatusServiceUnavailable, get(t, h, "/v1/epoch").Code)

	k.snapshot = testSnapshot(t)
	rec := get(t, h, "/v1/epoch")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp epochResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, k.snapshot.NCN.String(), resp.NCN)
	require.Equal(t, "set_weight", resp.State)
	require.Nil(t, resp.SlotConsensusReached)
	require.Equal(t, &progressResponse{Tally: 0, Total: 1}, resp.Progress["setWeight"])
	require.Nil(t, resp.Progress["voting"])
	require.Equal(t, k.snapshot.LastRunID.String(), resp.LastRunID)
}

func TestTipRouter_Server_Router(t *testing.T) {
	t.Parallel()

	k := &mockKeeper{snapshot: testSnapshot(t)}
	h := newTestServer(t, k)

	rec := get(t, h, "/v1/router")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp routerResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, uint64(5_000), resp.TotalRewards)
	require.Equal(t, uint64(5_000), resp.RewardPool)
	require.Len(t, resp.BaseFeeGroupRewards, fees.BaseFeeGroupCount)
	require.Len(t, resp.Routes, 1)
	require.Len(t, resp.Routes[0].Receivers, 1)
	require.Empty(t, resp.Routes[0].Rewards)

	k.snapshot.Router = nil
	require.Equal(t, http.StatusNotFound, get(t, h, "/v1/router").Code)
}

func TestTipRouter_Server_CORS(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, &mockKeeper{snapshot: testSnapshot(t)}, "https://dashboard.example.com")
	req := httptest.NewRequest(http.MethodGet, "/v1/epoch", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://dashboard.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
