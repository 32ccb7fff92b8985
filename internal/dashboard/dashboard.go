// Package dashboard renders a periodic text snapshot of the coordinator,
// the operator's live view when the binary runs in a terminal.
package dashboard

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evgrid/central/internal/central"
	"github.com/evgrid/central/internal/logging"
)

const ansiReset = "\x1b[0m"

// stateColors matches the operator color legend: green is usable, yellow
// is held by an operator, red is faulted, gray is gone.
var stateColors = map[central.CPState]string{
	central.StateActivated:    "\x1b[32m",
	central.StateSupplying:    "\x1b[32m",
	central.StateStopped:      "\x1b[33m",
	central.StateOutOfOrder:   "\x1b[31m",
	central.StateDisconnected: "\x1b[90m",
}

// Printer writes a coordinator snapshot to out on a fixed cadence.
type Printer struct {
	core     *central.Central
	out      io.Writer
	interval time.Duration
	colors   bool
	log      zerolog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a printer over core writing to out. Colors are for
// terminals; pipe consumers pass colors=false.
func New(core *central.Central, out io.Writer, interval time.Duration, colors bool) *Printer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Printer{
		core:     core,
		out:      out,
		interval: interval,
		colors:   colors,
		log:      logging.Component("dashboard"),
		done:     make(chan struct{}),
	}
}

// Start launches the print loop.
func (p *Printer) Start() {
	p.wg.Add(1)
	go p.loop()
}

func (p *Printer) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := p.out.Write(p.render(time.Now())); err != nil {
				p.log.Debug().Err(err).Msg("dashboard write failed")
			}
		case <-p.done:
			return
		}
	}
}

// Stop halts the print loop.
func (p *Printer) Stop() {
	close(p.done)
	p.wg.Wait()
}

// render builds one snapshot frame.
func (p *Printer) render(now time.Time) []byte {
	var b bytes.Buffer
	st := p.core.Status()
	rule := strings.Repeat("=", 78)

	fmt.Fprintf(&b, "\n%s\n", rule)
	fmt.Fprintf(&b, "EV CENTRAL  %s  cps=%d drivers=%d active=%d agents=%d\n",
		now.Format("15:04:05"), st.ChargingPoints, st.Drivers, st.ActiveSessions, st.ConnectedAgents)
	fmt.Fprintf(&b, "%s\n", rule)

	b.WriteString("[CHARGING POINTS]\n")
	cps := p.core.ChargingPoints()
	if len(cps) == 0 {
		b.WriteString("  none registered\n")
	}
	for _, cp := range cps {
		fmt.Fprintf(&b, "  %s  %s  %.2f EUR/kWh", cp.ID, p.paint(cp.State), cp.PricePerKWh)
		if cp.State == central.StateSupplying {
			fmt.Fprintf(&b, "  driver=%s  %.3f kWh  %.2f EUR", cp.CurrentDriver, cp.EnergyDelivered, cp.AccruedAmount)
		}
		b.WriteByte('\n')
	}

	b.WriteString("[DRIVERS]\n")
	drivers := p.core.Drivers()
	if len(drivers) == 0 {
		b.WriteString("  none registered\n")
	}
	for _, d := range drivers {
		fmt.Fprintf(&b, "  %s  %s", d.ID, d.Status)
		if d.CurrentCP != "" {
			fmt.Fprintf(&b, " at %s", d.CurrentCP)
		}
		fmt.Fprintf(&b, "  charges=%d spent=%.2f EUR\n", d.TotalCharges, d.TotalSpent)
	}

	if len(st.WeatherAlerts) > 0 {
		b.WriteString("[WEATHER]\n")
		for _, a := range st.WeatherAlerts {
			fmt.Fprintf(&b, "  %s held at %s (%.1fC)\n", a.CPID, a.Location, a.Temperature)
		}
	}
	fmt.Fprintf(&b, "%s\n", rule)
	return b.Bytes()
}

func (p *Printer) paint(s central.CPState) string {
	if !p.colors {
		return string(s)
	}
	color, ok := stateColors[s]
	if !ok {
		return string(s)
	}
	return color + string(s) + ansiReset
}
