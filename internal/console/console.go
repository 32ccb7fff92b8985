// Package console runs the operator command loop. It reads line-oriented
// commands from its input (standard input in the shipped binary) and acts
// on the coordinator directly, the same calls the HTTP surface makes.
package console

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/evgrid/central/internal/central"
	"github.com/evgrid/central/internal/logging"
	"github.com/evgrid/central/internal/store"
)

const historyLines = 10

// Console is the interactive operator surface.
type Console struct {
	core  *central.Central
	store *store.Store
	in    io.Reader
	out   io.Writer
	quit  func()
	log   zerolog.Logger
}

// New builds a console reading commands from in, printing to out, and
// calling quit when the operator asks to shut the coordinator down.
func New(core *central.Central, st *store.Store, in io.Reader, out io.Writer, quit func()) *Console {
	return &Console{
		core:  core,
		store: st,
		in:    in,
		out:   out,
		quit:  quit,
		log:   logging.Component("console"),
	}
}

// Start launches the command loop in its own goroutine. The loop ends on
// EOF or the quit command; reading standard input cannot be interrupted,
// so shutdown does not wait for it.
func (c *Console) Start() {
	go c.Run()
}

// Run executes the command loop until EOF or quit.
func (c *Console) Run() {
	c.printf("operator console ready, 'help' lists commands\n")
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !c.dispatch(line) {
			return
		}
	}
	if err := sc.Err(); err != nil {
		c.log.Warn().Err(err).Msg("console input closed")
	}
}

// dispatch runs one command line. It returns false when the loop should
// end.
func (c *Console) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		c.printf("commands:\n")
		c.printf("  stop <cp_id>     take a charging point out of service\n")
		c.printf("  resume <cp_id>   return a stopped charging point to service\n")
		c.printf("  list             show charging points and their states\n")
		c.printf("  history          show the last %d completed sessions\n", historyLines)
		c.printf("  quit             shut the coordinator down\n")

	case "stop":
		if len(args) != 1 {
			c.printf("usage: stop <cp_id>\n")
			return true
		}
		if err := c.core.OperatorStop(args[0]); err != nil {
			c.printf("stop failed: %v\n", err)
			return true
		}
		c.printf("%s stopped\n", args[0])

	case "resume":
		if len(args) != 1 {
			c.printf("usage: resume <cp_id>\n")
			return true
		}
		if err := c.core.OperatorResume(args[0]); err != nil {
			c.printf("resume failed: %v\n", err)
			return true
		}
		c.printf("%s resumed\n", args[0])

	case "list":
		cps := c.core.ChargingPoints()
		if len(cps) == 0 {
			c.printf("no charging points registered\n")
			return true
		}
		for _, cp := range cps {
			line := fmt.Sprintf("  %s  %s", cp.ID, cp.State)
			if cp.CurrentDriver != "" {
				line += "  driver=" + cp.CurrentDriver
			}
			c.printf("%s\n", line)
		}

	case "history":
		if c.store == nil {
			c.printf("no persistence configured\n")
			return true
		}
		rows, err := c.store.RecentHistory(historyLines)
		if err != nil {
			c.printf("history failed: %v\n", err)
			return true
		}
		if len(rows) == 0 {
			c.printf("no completed sessions\n")
			return true
		}
		for _, r := range rows {
			c.printf("  %s  %s -> %s  %.3f kWh  %.2f EUR\n",
				r.Timestamp.Format("15:04:05"), r.DriverID, r.CPID, r.KWhDelivered, r.TotalAmount)
		}

	case "quit", "exit":
		c.printf("shutting down\n")
		if c.quit != nil {
			c.quit()
		}
		return false

	default:
		c.printf("unknown command %q, 'help' lists commands\n", cmd)
	}
	return true
}

func (c *Console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}
