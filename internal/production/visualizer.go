package production

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/comalice/statecore"
)

// Edge is one lifecycle transition, labeled with what causes it.
type Edge struct {
	From  statecore.Mode
	To    statecore.Mode
	Label string
}

// Lifecycle lists every mode transition the controller can make.
var Lifecycle = []Edge{
	{statecore.ModeIdle, statecore.ModeArmed, "arm"},
	{statecore.ModeArmed, statecore.ModeRunning, "start"},
	{statecore.ModeArmed, statecore.ModeFaulted, "watchdog"},
	{statecore.ModeRunning, statecore.ModeFaulted, "watchdog"},
	{statecore.ModeIdle, statecore.ModeHalted, "halt"},
	{statecore.ModeArmed, statecore.ModeHalted, "halt"},
	{statecore.ModeRunning, statecore.ModeHalted, "halt"},
	{statecore.ModeFaulted, statecore.ModeHalted, "halt"},
	{statecore.ModeHalted, statecore.ModeIdle, "reset"},
	{statecore.ModeFaulted, statecore.ModeIdle, "reset"},
}

// DefaultVisualizer renders snapshot records for humans.
type DefaultVisualizer struct{}

// ExportDOT generates Graphviz DOT source for the lifecycle with the
// record's mode highlighted and its registers listed in a side table.
func (v *DefaultVisualizer) ExportDOT(rec statecore.SnapshotRecord) string {
	var buf bytes.Buffer
	buf.WriteString("digraph Controller {\n")
	buf.WriteString("  rankdir=LR;\n")
	buf.WriteString("  node [shape=box, fontsize=10, style=rounded];\n")
	buf.WriteString("  edge [fontsize=9];\n")

	for _, m := range statecore.Modes() {
		style := ""
		if m.String() == rec.Mode {
			style = ", style=\"rounded,filled\", fillcolor=lightgreen"
			if m == statecore.ModeFaulted {
				style = ", style=\"rounded,filled\", fillcolor=orange"
			}
		}
		fmt.Fprintf(&buf, "  %q [label=%q%s];\n", m.String(), m.String(), style)
	}
	for _, e := range Lifecycle {
		fmt.Fprintf(&buf, "  %q -> %q [label=%q];\n", e.From.String(), e.To.String(), e.Label)
	}

	buf.WriteString(registerTable(rec))
	buf.WriteString("}\n")
	return buf.String()
}

// registerTable renders the registers as a plaintext record node.
func registerTable(rec statecore.SnapshotRecord) string {
	names := make([]string, 0, len(rec.Registers))
	for name := range rec.Registers {
		names = append(names, name)
	}
	sort.Strings(names)

	var rows []string
	rows = append(rows, fmt.Sprintf("revision %d", rec.Revision))
	if rec.Watchdog.Armed {
		rows = append(rows, fmt.Sprintf("watchdog %s", rec.Watchdog.Period))
	}
	for _, name := range names {
		rows = append(rows, fmt.Sprintf("%s = %d", name, rec.Registers[name]))
	}
	// names are [a-z0-9_.-] only, so the label needs no escaping
	return fmt.Sprintf("  \"registers\" [shape=note, label=\"%s\\l\"];\n", strings.Join(rows, "\\l"))
}

// ExportJSON serializes the record to indented JSON.
func (v *DefaultVisualizer) ExportJSON(rec statecore.SnapshotRecord) ([]byte, error) {
	return json.MarshalIndent(rec, "", "  ")
}
