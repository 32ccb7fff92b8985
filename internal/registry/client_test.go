package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/evgrid/central/internal/central"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func TestClientParsesStringAndNumberFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/list", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		// Coordinates as strings, prices mixed: both shapes occur in the wild.
		fmt.Fprint(w, `{"charging_points":[
			{"cp_id":"CP001","latitude":"40.4168","longitude":"-3.7038","price_per_kwh":0.30},
			{"cp_id":"CP002","latitude":41.0,"longitude":-2.0,"price_per_kwh":"0.25"},
			{"cp_id":"","latitude":"0","longitude":"0","price_per_kwh":0}
		]}`)
	}))
	defer srv.Close()

	seeds, err := NewClient(srv.URL).List(context.Background())
	require.NoError(t, err)
	require.Len(t, seeds, 2, "the row without an id is dropped")
	assert.Equal(t, central.CPSeed{ID: "CP001", Latitude: 40.4168, Longitude: -3.7038, PricePerKWh: 0.30}, seeds[0])
	assert.Equal(t, central.CPSeed{ID: "CP002", Latitude: 41.0, Longitude: -2.0, PricePerKWh: 0.25}, seeds[1])
}

func TestClientEmptyListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"charging_points":[]}`)
	}))
	defer srv.Close()

	seeds, err := NewClient(srv.URL).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, seeds)
}

func TestClientRejectsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestClientRejectsMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"charging_points":[{"cp_id":"CP001","latitude":"not-a-number"}]}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).List(context.Background())
	require.Error(t, err)
}

// ============================================================================
// POLLER
// ============================================================================

func listingBody(ids ...string) string {
	out := `{"charging_points":[`
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"cp_id":%q,"latitude":"40.4","longitude":"-3.7","price_per_kwh":0.30}`, id)
	}
	return out + `]}`
}

func TestPollerSeedsAndSurvivesOutages(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "registry down", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, listingBody("CP001"))
	}))
	defer srv.Close()

	core, err := central.New(central.Options{})
	require.NoError(t, err)

	p := NewPoller(NewClient(srv.URL), core, 20*time.Millisecond)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		return len(core.ChargingPoints()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// An outage is a skipped cycle, not an empty listing.
	failing.Store(true)
	time.Sleep(120 * time.Millisecond)
	assert.Len(t, core.ChargingPoints(), 1)
}

func TestPollerRemovesUnlisted(t *testing.T) {
	var shrink atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shrink.Load() {
			fmt.Fprint(w, listingBody("CP002"))
			return
		}
		fmt.Fprint(w, listingBody("CP001", "CP002"))
	}))
	defer srv.Close()

	core, err := central.New(central.Options{})
	require.NoError(t, err)

	p := NewPoller(NewClient(srv.URL), core, 20*time.Millisecond)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		return len(core.ChargingPoints()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	shrink.Store(true)
	require.Eventually(t, func() bool {
		cps := core.ChargingPoints()
		return len(cps) == 1 && cps[0].ID == "CP002"
	}, 2*time.Second, 10*time.Millisecond)
}
