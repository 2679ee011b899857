package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fyrsmithlabs/patchflow/internal/controller"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// printState writes a short summary of st.
func printState(w io.Writer, st *workflow.State) {
	fmt.Fprintf(w, "Workflow: %s\n", st.ID)
	fmt.Fprintf(w, "Phase:    %s (%s)\n", st.Phase, st.Status)
	fmt.Fprintf(w, "Steps:    %d\n", st.Steps)
	if f := st.Failure; f != nil {
		fmt.Fprintf(w, "Failure:  %s at %s: %s\n", f.Kind, f.Phase, f.Reason)
	}
	if p := st.PendingApproval; p != nil && !st.Terminal() {
		fmt.Fprintf(w, "Waiting:  %s attempt %d (%s): %s\n", p.Phase, p.Attempt, p.Check, p.Reason)
		fmt.Fprintf(w, "          patchflow approve %s   |   patchflow approve --deny %s\n", st.ID, st.ID)
	}
}

// printReport writes the summary, the transition history and the final
// artifacts as tables.
func printReport(w io.Writer, rep *controller.Report) {
	st := rep.State
	printState(w, st)
	fmt.Fprintf(w, "Goal:     %s\n", st.Task.Goal)

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tPHASE\tATTEMPT\tOUTCOME\tNEXT\tKIND\tREASON")
	for _, e := range st.History {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Phase, e.Attempt, e.Outcome, e.Next, dash(string(e.Kind)), dash(e.Reason))
	}
	_ = tw.Flush()

	if len(rep.Final) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ARTIFACT\tPHASE\tATTEMPT\tSEQ\tCREATED")
	for _, a := range rep.Final {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", a.Kind, a.Phase, a.Attempt, a.Seq, a.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
