package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"tasklance/domain"
)

// printBoard writes one block per list with its tasks in board order.
func printBoard(w io.Writer, b domain.Board) {
	fmt.Fprintf(w, "%s (%d tasks)\n", b.Name, b.TaskCount())
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, l := range b.States {
		fmt.Fprintf(tw, "[%s]\t%d\n", l.Label, len(l.Tasks))
		for _, t := range l.Tasks {
			assignees := "-"
			if len(t.Assignees) > 0 {
				assignees = strings.Join(t.Assignees, ",")
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", t.Title, t.Priority, t.DueDate.Format("2006-01-02"), assignees)
		}
	}
	_ = tw.Flush()
}
