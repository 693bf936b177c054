// Package top implements mesh-top (C17): a read-only terminal dashboard
// over the local Server Info Center and stage Registry. It reads the same
// in-memory state the server process already holds — no network hop, no
// new attack surface, per SPEC_FULL.md §4.15.
package top

import (
	"context"
	"fmt"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/playhouse/playhouse/internal/discovery"
	"github.com/playhouse/playhouse/internal/stage"
)

// Snapshot is the read-only view mesh-top polls each tick. Kept as an
// interface so this package never imports internal/mesh, matching the
// dependency-inversion shape the rest of the module uses at its package
// boundaries.
type Snapshot interface {
	Servers() []discovery.ServerInfo
	StageCount() int
	ActorCount() int
}

// RegistrySnapshot adapts a *discovery.Center + *stage.Registry pair into
// Snapshot.
type RegistrySnapshot struct {
	Center   *discovery.Center
	Registry *stage.Registry
}

func (s RegistrySnapshot) Servers() []discovery.ServerInfo { return s.Center.Snapshot() }

func (s RegistrySnapshot) StageCount() int { return s.Registry.Count() }

func (s RegistrySnapshot) ActorCount() int {
	total := 0
	for _, id := range s.Registry.Snapshot() {
		if st, ok := s.Registry.Lookup(id); ok {
			total += st.ActorCount()
		}
	}
	return total
}

// Dashboard renders a live-updating terminal view of one process's mesh
// state: server count, per-server state, and stage/actor counts.
type Dashboard struct {
	snapshot     Snapshot
	pollInterval time.Duration
}

func NewDashboard(snapshot Snapshot, pollInterval time.Duration) *Dashboard {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Dashboard{snapshot: snapshot, pollInterval: pollInterval}
}

// Run initializes the terminal, redraws on every tick, and blocks until
// ctx is cancelled or the user presses q / Ctrl-C.
func (d *Dashboard) Run(ctx context.Context) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("top: termui init: %w", err)
	}
	defer ui.Close()

	summary := widgets.NewParagraph()
	summary.Title = "playhouse mesh"
	summary.SetRect(0, 0, 60, 5)

	table := widgets.NewTable()
	table.Title = "servers"
	table.SetRect(0, 5, 60, 20)
	table.RowSeparator = false

	render := func() {
		servers := d.snapshot.Servers()
		summary.Text = fmt.Sprintf(
			"servers: %d\nstages: %d\nactors: %d",
			len(servers), d.snapshot.StageCount(), d.snapshot.ActorCount(),
		)

		rows := [][]string{{"NID", "ENDPOINT", "STATE", "WEIGHT"}}
		for _, s := range servers {
			state := "Running"
			if s.State == discovery.Disabled {
				state = "Disabled"
			}
			rows = append(rows, []string{s.NID(), s.Endpoint, state, fmt.Sprintf("%d", s.Weight)})
		}
		table.Rows = rows

		ui.Render(summary, table)
	}

	render()

	events := ui.PollEvents()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				render()
			}
		case <-ticker.C:
			render()
		}
	}
}
