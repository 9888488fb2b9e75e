package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/terrane-dev/terrane/pkg/engine"
)

// encodeJSON writes an indented JSON document.
func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// actionSymbol returns the single-character prefix used in diff output.
func actionSymbol(action engine.ActionType) string {
	switch action {
	case engine.ActionCreate:
		return "+"
	case engine.ActionUpdate:
		return "~"
	case engine.ActionReplace:
		return "±"
	case engine.ActionDestroy:
		return "-"
	default:
		return " "
	}
}

// renderDiffSet writes a human-readable change summary.
func renderDiffSet(w io.Writer, diff *engine.DiffSet) {
	if !diff.HasChanges() {
		fmt.Fprintln(w, "No changes. Recorded state matches the declarations.")
		return
	}
	for _, d := range diff.Diffs {
		if d.Action == engine.ActionNoOp {
			continue
		}
		line := fmt.Sprintf("  %s %s", actionSymbol(d.Action), d.NodeID)
		switch d.Action {
		case engine.ActionUpdate:
			line += fmt.Sprintf(" (changed: %s)", strings.Join(d.ChangedKeys, ", "))
		case engine.ActionReplace:
			line += fmt.Sprintf(" (immutable: %s)", strings.Join(d.ForcedBy, ", "))
		}
		fmt.Fprintln(w, line)
	}
	s := diff.Summary
	fmt.Fprintf(w, "\nPlan: %d to create, %d to update, %d to replace, %d to destroy.\n",
		s.Create, s.Update, s.Replace, s.Destroy)
}

// renderDrift writes drift reports.
func renderDrift(w io.Writer, drift []engine.DriftReport) {
	if len(drift) == 0 {
		fmt.Fprintln(w, "No drift detected.")
		return
	}
	for _, d := range drift {
		if d.Missing {
			fmt.Fprintf(w, "  ! %s: resource no longer exists\n", d.NodeID)
			continue
		}
		fmt.Fprintf(w, "  ! %s: drifted keys: %s\n", d.NodeID, strings.Join(d.ChangedKeys, ", "))
	}
}

// renderRun writes the outcome of an apply.
func renderRun(w io.Writer, run *engine.Run) {
	for _, r := range run.Results {
		switch r.Status {
		case engine.StepStatusApplied:
			fmt.Fprintf(w, "  %s %s: %s (%s)\n",
				actionSymbol(r.Action), r.NodeID, r.Status, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
		default:
			fmt.Fprintf(w, "  %s %s: %s: %s\n", actionSymbol(r.Action), r.NodeID, r.Status, r.Error)
		}
	}
	fmt.Fprintf(w, "\nRun %s: %s. Applied: %d, failed: %d, skipped: %d.\n",
		run.ID, run.Status, run.Summary.Applied, run.Summary.Failed, run.Summary.Skipped)
}
