package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"tasklance/domain"
)

func TestPrintBoard(t *testing.T) {
	due := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	board := domain.Board{
		Name: "Launch",
		States: []domain.BoardList{
			{ID: "a", Label: "To Do", Tasks: []domain.Task{}},
			{ID: "b", Label: "Doing", Tasks: []domain.Task{
				{ID: "t1", Title: "Write brief", Priority: domain.PriorityMedium, DueDate: due, Assignees: []string{"ada"}},
			}},
		},
	}
	var buf bytes.Buffer
	printBoard(&buf, board)
	out := buf.String()

	if !strings.HasPrefix(out, "Launch (1 tasks)\n") {
		t.Fatalf("unexpected header in %q", out)
	}
	for _, want := range []string{"[To Do]", "[Doing]", "Write brief", "MEDIUM", "2025-01-10", "ada"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestMoveRequiresArguments(t *testing.T) {
	var buf bytes.Buffer
	err := newRootCommand(&buf).Run(t.Context(), []string{"board-watch", "move", "p1"})
	if err == nil || !strings.Contains(err.Error(), "expected") {
		t.Fatalf("expected argument error, got %v", err)
	}
}
