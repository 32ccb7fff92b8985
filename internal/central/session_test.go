package central

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evgrid/central/internal/protocol"
)

// startSession registers an engine and a driver and authorizes a charge of
// kwh at price. It returns the two fake connections.
func startSession(t *testing.T, c *Central, cpID, driverID string, kwh, price float64) (*fakePeer, *fakePeer) {
	t.Helper()
	engine := newFakePeer("10.0.0.1:4001")
	driver := newFakePeer("10.0.0.2:4002")
	c.RegisterCP(cpID, 40.4, -3.7, price, engine)
	c.RegisterDriver(driverID, driver)
	c.RequestCharge(driverID, cpID, kwh, driver)
	require.Equal(t, []string{"AUTHORIZE", driverID, cpID,
		protocol.FormatNumber(kwh), protocol.FormatAmount(price)}, driver.last())
	return engine, driver
}

// ============================================================================
// REGISTRATION
// ============================================================================

func TestRegisterCPActivates(t *testing.T) {
	c := newTestCentral(t)
	engine := newFakePeer("10.0.0.1:4001")

	c.RegisterCP("CP001", 40.4, -3.7, 0.30, engine)

	assert.Equal(t, []string{"ACKNOWLEDGE", "CP001", "OK"}, engine.last())
	cp := cpByID(t, c, "CP001")
	assert.Equal(t, StateActivated, cp.State)
	assert.True(t, cp.Connected)
	assert.Equal(t, 0.30, cp.PricePerKWh)
}

func TestRegisterCPReplacesOldConnection(t *testing.T) {
	c := newTestCentral(t)
	old := newFakePeer("10.0.0.1:4001")
	fresh := newFakePeer("10.0.0.1:4777")

	c.RegisterCP("CP001", 40.4, -3.7, 0.30, old)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, fresh)

	assert.True(t, old.wasClosed(), "stale connection should be closed on replacement")

	// The stale teardown must not evict the fresh binding.
	c.Disconnect(KindCP, "CP001", old)
	assert.Equal(t, StateActivated, cpByID(t, c, "CP001").State)
	assert.True(t, cpByID(t, c, "CP001").Connected)
}

func TestRegisterCPMidSessionSettlesAsFault(t *testing.T) {
	c := newTestCentral(t)
	_, driver := startSession(t, c, "CP001", "DRV01", 10, 0.30)
	c.SupplyUpdate("CP001", 4, 1.2)

	restarted := newFakePeer("10.0.0.1:4999")
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, restarted)

	denies := driver.typed(protocol.TypeDeny)
	require.Len(t, denies, 1)
	assert.Equal(t, []string{"DENY", "DRV01", "CP001", "CP_FAULT_EMERGENCY_STOP"}, denies[0])

	cp := cpByID(t, c, "CP001")
	assert.Equal(t, StateActivated, cp.State, "registration wins over the fault hold")
	assert.Empty(t, cp.CurrentDriver)
	assert.Equal(t, StatusIdle, driverByID(t, c, "DRV01").Status)
}

func TestRegisterDriverReconnectGetsFreshStart(t *testing.T) {
	c := newTestCentral(t)
	_, oldConn := startSession(t, c, "CP001", "DRV01", 10, 0.30)
	c.SupplyUpdate("CP001", 5, 1.5)

	fresh := newFakePeer("10.0.0.2:4888")
	c.RegisterDriver("DRV01", fresh)

	// The settled ticket belongs to the old connection; the new one starts
	// with nothing but its ACK.
	require.Len(t, oldConn.typed(protocol.TypeTicket), 1)
	assert.Equal(t, [][]string{{"ACKNOWLEDGE", "DRV01", "OK"}}, fresh.all())

	assert.Equal(t, StateActivated, cpByID(t, c, "CP001").State)
	d := driverByID(t, c, "DRV01")
	assert.Equal(t, StatusIdle, d.Status)
	assert.Equal(t, 1, d.TotalCharges)
}

func TestRegisterMonitorAcks(t *testing.T) {
	c := newTestCentral(t)
	mon := newFakePeer("10.0.0.3:4003")

	c.RegisterMonitor("CP001", mon)

	assert.Equal(t, []string{"ACKNOWLEDGE", "CP001", "MONITOR_OK"}, mon.last())
}

// ============================================================================
// AVAILABILITY AND REQUESTS
// ============================================================================

func TestQueryAvailableListsFreeCPsSorted(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP002", 41.0, -2.0, 0.25, newFakePeer("a:1"))
	c.RegisterCP("CP001", 40.5, -3.5, 0.30, newFakePeer("b:1"))
	c.RegisterCP("CP003", 39.0, -1.0, 0.20, newFakePeer("c:1"))
	require.NoError(t, c.OperatorStop("CP003"))

	driver := newFakePeer("d:1")
	c.RegisterDriver("DRV01", driver)
	c.QueryAvailable("DRV01", driver)

	assert.Equal(t, []string{
		"AVAILABLE_CPS",
		"CP001", "40.5", "-3.5", "0.30",
		"CP002", "41", "-2", "0.25",
	}, driver.last())
}

func TestQueryAvailableEmptyList(t *testing.T) {
	c := newTestCentral(t)
	driver := newFakePeer("d:1")
	c.RegisterDriver("DRV01", driver)

	c.QueryAvailable("DRV01", driver)

	assert.Equal(t, []string{"AVAILABLE_CPS"}, driver.last())
}

func TestRequestChargeFansOutToAllParties(t *testing.T) {
	c := newTestCentral(t)
	engine := newFakePeer("10.0.0.1:4001")
	driver := newFakePeer("10.0.0.2:4002")
	mon := newFakePeer("10.0.0.3:4003")
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, engine)
	c.RegisterDriver("DRV01", driver)
	c.RegisterMonitor("CP001", mon)

	c.RequestCharge("DRV01", "CP001", 10, driver)

	// The driver's grant carries the price; the engine's does not.
	assert.Equal(t, []string{"AUTHORIZE", "DRV01", "CP001", "10", "0.30"}, driver.last())
	grants := engine.typed(protocol.TypeAuthorize)
	require.Len(t, grants, 1)
	assert.Equal(t, []string{"AUTHORIZE", "DRV01", "CP001", "10"}, grants[0])
	starts := mon.typed(protocol.TypeDriverStart)
	require.Len(t, starts, 1)
	assert.Equal(t, []string{"DRIVER_START", "CP001", "DRV01"}, starts[0])

	cp := cpByID(t, c, "CP001")
	assert.Equal(t, StateSupplying, cp.State)
	assert.Equal(t, "DRV01", cp.CurrentDriver)
	assert.NotEmpty(t, cp.SessionStartedAt)

	d := driverByID(t, c, "DRV01")
	assert.Equal(t, StatusCharging, d.Status)
	assert.Equal(t, "CP001", d.CurrentCP)
}

func TestRequestChargeDenyReasons(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))
	c.RegisterCP("CP002", 41.0, -2.0, 0.25, newFakePeer("b:1"))
	c.RegisterCP("CP003", 39.0, -1.0, 0.20, newFakePeer("c:1"))
	require.NoError(t, c.OperatorStop("CP002"))
	c.Fault("CP003", newFakePeer("m:1"))

	first := newFakePeer("d:1")
	c.RegisterDriver("DRV01", first)
	c.RequestCharge("DRV01", "CP001", 10, first)

	cases := []struct {
		name   string
		cpID   string
		reason string
	}{
		{"unknown cp", "CP999", "CP_NOT_FOUND"},
		{"stopped cp", "CP002", "CP_STATE_STOPPED"},
		{"out of order cp", "CP003", "CP_STATE_OUT_OF_ORDER"},
		{"busy cp", "CP001", "CP_ALREADY_IN_USE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rival := newFakePeer("r:1")
			c.RegisterDriver("DRV99", rival)
			c.RequestCharge("DRV99", tc.cpID, 5, rival)
			assert.Equal(t, []string{"DENY", "DRV99", tc.cpID, tc.reason}, rival.last())
			assert.Equal(t, StatusIdle, driverByID(t, c, "DRV99").Status)
		})
	}
}

func TestRequestChargeUnknownDriverCreatesRecord(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))

	ghost := newFakePeer("g:1")
	c.RequestCharge("DRV77", "CP001", 8, ghost)

	assert.Equal(t, []string{"AUTHORIZE", "DRV77", "CP001", "8", "0.30"}, ghost.last())
	assert.Equal(t, StatusCharging, driverByID(t, c, "DRV77").Status)
}

func TestConcurrentRequestsSingleWinner(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))

	peers := make([]*fakePeer, 8)
	var wg sync.WaitGroup
	for i := range peers {
		peers[i] = newFakePeer(fmt.Sprintf("d:%d", i))
		id := fmt.Sprintf("DRV%02d", i)
		c.RegisterDriver(id, peers[i])
		wg.Add(1)
		go func(id string, p *fakePeer) {
			defer wg.Done()
			c.RequestCharge(id, "CP001", 10, p)
		}(id, peers[i])
	}
	wg.Wait()

	authorized, denied := 0, 0
	for _, p := range peers {
		authorized += len(p.typed(protocol.TypeAuthorize))
		for _, fr := range p.typed(protocol.TypeDeny) {
			denied++
			assert.Equal(t, "CP_ALREADY_IN_USE", fr[3])
		}
	}
	assert.Equal(t, 1, authorized, "exactly one rival may win the CP")
	assert.Equal(t, len(peers)-1, denied)
}

// ============================================================================
// SUPPLY FLOW
// ============================================================================

func TestSupplyUpdateAccumulatesAndForwards(t *testing.T) {
	c := newTestCentral(t)
	_, driver := startSession(t, c, "CP001", "DRV01", 10, 0.30)

	c.SupplyUpdate("CP001", 0.714286, 0.21)
	c.SupplyUpdate("CP001", 0.714286, 0.43)

	updates := driver.typed(protocol.TypeSupplyUpdate)
	require.Len(t, updates, 2)
	assert.Equal(t, []string{"SUPPLY_UPDATE", "CP001", "0.714286", "0.21"}, updates[0])
	assert.Equal(t, []string{"SUPPLY_UPDATE", "CP001", "0.714286", "0.43"}, updates[1])

	cp := cpByID(t, c, "CP001")
	assert.InDelta(t, 1.428572, cp.EnergyDelivered, 0.001)
	assert.InDelta(t, 0.43, cp.AccruedAmount, 0.001)
}

func TestChargingCompleteSentExactlyOnce(t *testing.T) {
	c := newTestCentral(t)
	_, driver := startSession(t, c, "CP001", "DRV01", 2, 0.30)

	c.SupplyUpdate("CP001", 1.0, 0.30)
	assert.Empty(t, driver.typed(protocol.TypeChargingComplete))

	c.SupplyUpdate("CP001", 1.0, 0.60)
	completes := driver.typed(protocol.TypeChargingComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, []string{"CHARGING_COMPLETE", "CP001", "DRV01"}, completes[0])

	// Anything the engine keeps pushing must not re-announce completion.
	c.SupplyUpdate("CP001", 0.5, 0.75)
	assert.Len(t, driver.typed(protocol.TypeChargingComplete), 1)
}

func TestSupplyUpdateOutsideSessionDropped(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))

	c.SupplyUpdate("CP001", 5, 1.5)

	assert.Equal(t, 0.0, cpByID(t, c, "CP001").EnergyDelivered)
}

func TestSupplyEndSettlesWithMeteredTotals(t *testing.T) {
	c := newTestCentral(t)
	engine, driver := startSession(t, c, "CP001", "DRV01", 10, 0.30)
	for i := 0; i < 14; i++ {
		c.SupplyUpdate("CP001", 0.714286, 0.30)
	}

	// The engine's own totals disagree; the coordinator's meter wins.
	c.SupplyEnd("CP001", "DRV01", 12.5, 3.75)

	tickets := driver.typed(protocol.TypeTicket)
	require.Len(t, tickets, 1)
	assert.Equal(t, []string{"TICKET", "CP001", "10", "3.00"}, tickets[0])

	assert.Empty(t, engine.typed(protocol.TypeEndSupply), "engine initiated, no echo back")

	cp := cpByID(t, c, "CP001")
	assert.Equal(t, StateActivated, cp.State)
	assert.Empty(t, cp.CurrentDriver)
	assert.Equal(t, 0.0, cp.EnergyDelivered)

	d := driverByID(t, c, "DRV01")
	assert.Equal(t, StatusIdle, d.Status)
	assert.Equal(t, 1, d.TotalCharges)
	assert.InDelta(t, 3.00, d.TotalSpent, 0.005)
}

func TestSupplyEndOutsideSessionIsNoOp(t *testing.T) {
	c := newTestCentral(t)
	engine := newFakePeer("a:1")
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, engine)

	c.SupplyEnd("CP001", "DRV01", 5, 1.5)

	assert.Equal(t, StateActivated, cpByID(t, c, "CP001").State)
}

func TestEndChargeUsesMeterWhenPresent(t *testing.T) {
	c := newTestCentral(t)
	engine, driver := startSession(t, c, "CP001", "DRV01", 10, 0.30)
	for i := 0; i < 7; i++ {
		c.SupplyUpdate("CP001", 0.714286, 0.30)
	}

	c.EndCharge("DRV01", "CP001")

	tickets := driver.typed(protocol.TypeTicket)
	require.Len(t, tickets, 1)
	assert.Equal(t, []string{"TICKET", "CP001", "5", "1.50"}, tickets[0])
	require.Len(t, engine.typed(protocol.TypeEndSupply), 1)
	assert.Equal(t, []string{"END_SUPPLY", "CP001"}, engine.typed(protocol.TypeEndSupply)[0])
}

func TestEndChargeProRataEstimateWithoutMeter(t *testing.T) {
	c := newTestCentral(t)
	base := time.Now()
	c.now = func() time.Time { return base }

	engine, driver := startSession(t, c, "CP001", "DRV01", 10, 0.30)
	_ = engine

	// Half the nominal duration elapses with no meter update at all.
	c.now = func() time.Time { return base.Add(7 * time.Second) }
	c.EndCharge("DRV01", "CP001")

	tickets := driver.typed(protocol.TypeTicket)
	require.Len(t, tickets, 1)
	assert.Equal(t, []string{"TICKET", "CP001", "5", "1.50"}, tickets[0])
}

func TestEndChargeEstimateClampedToRequested(t *testing.T) {
	c := newTestCentral(t)
	base := time.Now()
	c.now = func() time.Time { return base }

	_, driver := startSession(t, c, "CP001", "DRV01", 10, 0.30)

	c.now = func() time.Time { return base.Add(time.Minute) }
	c.EndCharge("DRV01", "CP001")

	tickets := driver.typed(protocol.TypeTicket)
	require.Len(t, tickets, 1)
	assert.Equal(t, []string{"TICKET", "CP001", "10", "3.00"}, tickets[0])
}

func TestEndChargeMismatchIsNoOp(t *testing.T) {
	c := newTestCentral(t)
	startSession(t, c, "CP001", "DRV01", 10, 0.30)

	c.EndCharge("DRV99", "CP001")
	c.EndCharge("DRV01", "CP999")

	assert.Equal(t, StateSupplying, cpByID(t, c, "CP001").State)
}

// ============================================================================
// FAULTS, RECOVERY, HEARTBEAT
// ============================================================================

func TestFaultMidSessionAbortsWithEmergencyStop(t *testing.T) {
	c := newTestCentral(t)
	_, driver := startSession(t, c, "CP001", "DRV01", 10, 0.30)
	mon := newFakePeer("m:1")
	c.RegisterMonitor("CP001", mon)
	c.SupplyUpdate("CP001", 4, 1.2)

	c.Fault("CP001", mon)

	denies := driver.typed(protocol.TypeDeny)
	require.Len(t, denies, 1)
	assert.Equal(t, []string{"DENY", "DRV01", "CP001", "CP_FAULT_EMERGENCY_STOP"}, denies[0])
	assert.Empty(t, driver.typed(protocol.TypeTicket), "a faulted session has no ticket")

	stops := mon.typed(protocol.TypeDriverStop)
	require.Len(t, stops, 1)
	assert.Equal(t, []string{"DRIVER_STOP", "CP001", "DRV01"}, stops[0])

	assert.Equal(t, StateOutOfOrder, cpByID(t, c, "CP001").State)
	d := driverByID(t, c, "DRV01")
	assert.Equal(t, StatusIdle, d.Status)
	assert.Equal(t, 1, d.TotalCharges)
	assert.InDelta(t, 1.20, d.TotalSpent, 0.005, "delivered energy is still billed")
}

func TestFaultOnIdleCPGoesOutOfOrder(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))

	c.Fault("CP001", newFakePeer("m:1"))

	assert.Equal(t, StateOutOfOrder, cpByID(t, c, "CP001").State)
}

func TestFaultIgnoredWhenStopped(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))
	require.NoError(t, c.OperatorStop("CP001"))

	c.Fault("CP001", newFakePeer("m:1"))

	assert.Equal(t, StateStopped, cpByID(t, c, "CP001").State)
}

func TestRecoveryRestoresOnlyFromOutOfOrder(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))
	mon := newFakePeer("m:1")
	c.Fault("CP001", mon)

	c.Recovery("CP001", mon)
	assert.Equal(t, StateActivated, cpByID(t, c, "CP001").State)

	// An operator stop is not the monitor's to undo.
	require.NoError(t, c.OperatorStop("CP001"))
	c.Recovery("CP001", mon)
	assert.Equal(t, StateStopped, cpByID(t, c, "CP001").State)
}

func TestHeartbeatAdoptsReportedStateOutsideSession(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))

	c.Heartbeat("CP001", StateOutOfOrder)
	assert.Equal(t, StateOutOfOrder, cpByID(t, c, "CP001").State)

	c.Heartbeat("CP001", StateActivated)
	assert.Equal(t, StateActivated, cpByID(t, c, "CP001").State)
}

func TestHeartbeatNeverOverridesActiveSession(t *testing.T) {
	c := newTestCentral(t)
	startSession(t, c, "CP001", "DRV01", 10, 0.30)

	c.Heartbeat("CP001", StateActivated)

	assert.Equal(t, StateSupplying, cpByID(t, c, "CP001").State)
}

func TestHeartbeatRejectsUnusableStates(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))

	c.Heartbeat("CP001", CPState("EXPLODED"))
	assert.Equal(t, StateActivated, cpByID(t, c, "CP001").State)

	// SUPPLYING is granted by the coordinator, never self-declared.
	c.Heartbeat("CP001", StateSupplying)
	assert.Equal(t, StateActivated, cpByID(t, c, "CP001").State)
}

func TestHealthReportIsAdvisory(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))

	c.HealthReport("CP001", false, newFakePeer("m:1"))

	cp := cpByID(t, c, "CP001")
	assert.Equal(t, StateActivated, cp.State, "health alone never demotes")
	assert.False(t, cp.HealthOK)
}

// ============================================================================
// OPERATOR CONTROL
// ============================================================================

func TestOperatorStopMidSessionTicketsAndStops(t *testing.T) {
	c := newTestCentral(t)
	engine, driver := startSession(t, c, "CP001", "DRV01", 10, 0.30)
	c.SupplyUpdate("CP001", 6, 1.8)

	require.NoError(t, c.OperatorStop("CP001"))

	tickets := driver.typed(protocol.TypeTicket)
	require.Len(t, tickets, 1)
	assert.Equal(t, []string{"TICKET", "CP001", "6", "1.80"}, tickets[0])

	stops := engine.typed(protocol.TypeStopCommand)
	require.Len(t, stops, 1)
	assert.Equal(t, []string{"STOP_COMMAND", "CP001"}, stops[0])

	assert.Equal(t, StateStopped, cpByID(t, c, "CP001").State)
}

func TestOperatorStopRejectsWrongStates(t *testing.T) {
	c := newTestCentral(t)

	err := c.OperatorStop("CP404")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownCP))

	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))
	c.Fault("CP001", newFakePeer("m:1"))
	assert.Error(t, c.OperatorStop("CP001"), "an out-of-order CP is not stoppable")
}

func TestOperatorResume(t *testing.T) {
	c := newTestCentral(t)
	engine := newFakePeer("a:1")
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, engine)
	require.NoError(t, c.OperatorStop("CP001"))

	require.NoError(t, c.OperatorResume("CP001"))

	assert.Equal(t, StateActivated, cpByID(t, c, "CP001").State)
	resumes := engine.typed(protocol.TypeResumeCommand)
	require.Len(t, resumes, 1)
	assert.Equal(t, []string{"RESUME_COMMAND", "CP001"}, resumes[0])

	assert.Error(t, c.OperatorResume("CP001"), "resume only applies to stopped CPs")
}

// ============================================================================
// WEATHER HOLDS
// ============================================================================

func TestWeatherAlertHoldsAndClears(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))

	require.NoError(t, c.RaiseWeatherAlert("CP001", "Madrid", -4.5))
	assert.Equal(t, StateOutOfOrder, cpByID(t, c, "CP001").State)
	alerts := c.WeatherAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "CP001", alerts[0].CPID)
	assert.Equal(t, "COLD_WEATHER", alerts[0].AlertType)
	assert.InDelta(t, -4.5, alerts[0].Temperature, 0.001)

	require.NoError(t, c.ClearWeatherAlert("CP001"))
	assert.Equal(t, StateActivated, cpByID(t, c, "CP001").State)
	assert.Empty(t, c.WeatherAlerts())
}

func TestWeatherAlertMidSessionTicketsAndHolds(t *testing.T) {
	c := newTestCentral(t)
	engine, driver := startSession(t, c, "CP001", "DRV01", 10, 0.30)
	mon := newFakePeer("m:1")
	c.RegisterMonitor("CP001", mon)
	c.SupplyUpdate("CP001", 5, 1.5)

	require.NoError(t, c.RaiseWeatherAlert("CP001", "Madrid", -7.0))

	tickets := driver.typed(protocol.TypeTicket)
	require.Len(t, tickets, 1)
	assert.Equal(t, []string{"TICKET", "CP001", "5", "1.50"}, tickets[0])
	require.Len(t, engine.typed(protocol.TypeEndSupply), 1)
	require.Len(t, mon.typed(protocol.TypeDriverStop), 1)

	assert.Equal(t, StateOutOfOrder, cpByID(t, c, "CP001").State)
	require.Len(t, c.WeatherAlerts(), 1)
}

func TestWeatherAlertUnknownCP(t *testing.T) {
	c := newTestCentral(t)

	err := c.RaiseWeatherAlert("CP404", "Madrid", -3.0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownCP))
	assert.True(t, errors.Is(c.ClearWeatherAlert("CP404"), ErrUnknownCP))
}

func TestWeatherCannotClearFaultHold(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))
	c.Fault("CP001", newFakePeer("m:1"))

	require.NoError(t, c.ClearWeatherAlert("CP001"))

	assert.Equal(t, StateOutOfOrder, cpByID(t, c, "CP001").State,
		"a hardware fault waits for monitor recovery")
}

func TestWeatherDoesNotOverrideOperatorStop(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))
	require.NoError(t, c.OperatorStop("CP001"))

	require.NoError(t, c.RaiseWeatherAlert("CP001", "Madrid", -9.9))
	assert.Equal(t, StateStopped, cpByID(t, c, "CP001").State)
	assert.Empty(t, c.WeatherAlerts(), "no hold recorded without a transition")

	require.NoError(t, c.ClearWeatherAlert("CP001"))
	assert.Equal(t, StateStopped, cpByID(t, c, "CP001").State)
}

func TestRecoveryDropsWeatherHold(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))
	require.NoError(t, c.RaiseWeatherAlert("CP001", "Madrid", -4.0))

	c.Recovery("CP001", newFakePeer("m:1"))

	assert.Equal(t, StateActivated, cpByID(t, c, "CP001").State)
	assert.Empty(t, c.WeatherAlerts())
}

// ============================================================================
// DISCONNECTS
// ============================================================================

func TestCPDisconnectMidSessionAbortsCharge(t *testing.T) {
	c := newTestCentral(t)
	engine, driver := startSession(t, c, "CP001", "DRV01", 10, 0.30)
	c.SupplyUpdate("CP001", 3, 0.9)

	c.Disconnect(KindCP, "CP001", engine)

	denies := driver.typed(protocol.TypeDeny)
	require.Len(t, denies, 1)
	assert.Equal(t, []string{"DENY", "DRV01", "CP001", "CP_FAULT_EMERGENCY_STOP"}, denies[0])

	cp := cpByID(t, c, "CP001")
	assert.Equal(t, StateDisconnected, cp.State)
	assert.False(t, cp.Connected)
	assert.Equal(t, StatusIdle, driverByID(t, c, "DRV01").Status)
}

func TestDriverDisconnectKeepsSupplyRunning(t *testing.T) {
	c := newTestCentral(t)
	_, driver := startSession(t, c, "CP001", "DRV01", 10, 0.30)

	c.Disconnect(KindDriver, "DRV01", driver)

	assert.Equal(t, StateSupplying, cpByID(t, c, "CP001").State)
	assert.Equal(t, StatusCharging, driverByID(t, c, "DRV01").Status)

	// Forwards to the gone driver are dropped, not fatal.
	c.SupplyUpdate("CP001", 2, 0.6)
	assert.InDelta(t, 2.0, cpByID(t, c, "CP001").EnergyDelivered, 0.001)
}

func TestMonitorDisconnectOnlyReleasesMonitor(t *testing.T) {
	c := newTestCentral(t)
	c.RegisterCP("CP001", 40.4, -3.7, 0.30, newFakePeer("a:1"))
	mon := newFakePeer("m:1")
	c.RegisterMonitor("CP001", mon)

	c.Disconnect(KindMonitor, "CP001", mon)

	cp := cpByID(t, c, "CP001")
	assert.Equal(t, StateActivated, cp.State)
	assert.True(t, cp.Connected, "the engine binding is untouched")
}

// ============================================================================
// LOCK DISCIPLINE
// ============================================================================

// TestNoSocketWritesUnderCoreLock drives a full lifecycle with peers that
// probe the core mutex on every send. A send issued while the lock is held
// would deadlock real traffic behind a slow socket.
func TestNoSocketWritesUnderCoreLock(t *testing.T) {
	c := newTestCentral(t)
	probe := func() {
		ok := c.mu.TryLock()
		require.True(t, ok, "outbound send while holding the core lock")
		c.mu.Unlock()
	}

	engine := newFakePeer("10.0.0.1:4001")
	driver := newFakePeer("10.0.0.2:4002")
	mon := newFakePeer("10.0.0.3:4003")
	for _, p := range []*fakePeer{engine, driver, mon} {
		p.onSend = probe
	}

	c.RegisterCP("CP001", 40.4, -3.7, 0.30, engine)
	c.RegisterDriver("DRV01", driver)
	c.RegisterMonitor("CP001", mon)
	c.QueryAvailable("DRV01", driver)
	c.RequestCharge("DRV01", "CP001", 10, driver)
	c.SupplyUpdate("CP001", 5, 1.5)
	c.SupplyEnd("CP001", "DRV01", 5, 1.5)

	c.RequestCharge("DRV01", "CP001", 10, driver)
	c.Fault("CP001", mon)
	c.Recovery("CP001", mon)

	c.RequestCharge("DRV01", "CP001", 10, driver)
	require.NoError(t, c.RaiseWeatherAlert("CP001", "Madrid", -5.0))
	require.NoError(t, c.ClearWeatherAlert("CP001"))

	c.RequestCharge("DRV01", "CP001", 10, driver)
	require.NoError(t, c.OperatorStop("CP001"))
	require.NoError(t, c.OperatorResume("CP001"))

	c.Disconnect(KindCP, "CP001", engine)
}
