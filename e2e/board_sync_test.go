package e2e

import (
	"context"
	"slices"
	"testing"

	"github.com/bytedance/sonic"

	"tasklance/client"
	"tasklance/domain"
)

// seedProject creates a project owned by ada with lists A (empty) and B
// holding one MEDIUM task due 2025-01-10.
func seedProject(t *testing.T, sys *system) (project domain.Project, listA, listB domain.List, task domain.Task) {
	t.Helper()
	ctx := context.Background()
	ada := sys.api(t, "ada")
	project, err := ada.CreateProject(ctx, "Launch")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if listA, err = ada.CreateList(ctx, project.ID, "A", ""); err != nil {
		t.Fatalf("create list A: %v", err)
	}
	if listB, err = ada.CreateList(ctx, project.ID, "B", "blue-300"); err != nil {
		t.Fatalf("create list B: %v", err)
	}
	task, err = ada.CreateTask(ctx, domain.NewTask{
		ListID:   listB.ID,
		Title:    "T1",
		Priority: domain.PriorityMedium,
		DueDate:  dueDate(t, "2025-01-10"),
	}, "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return project, listA, listB, task
}

func TestDragMovesTaskAcrossLists(t *testing.T) {
	sys := startSystem(t)
	project, listA, listB, task := seedProject(t, sys)
	ctx := context.Background()

	ada := sys.api(t, "ada")
	store := client.NewBoardStore(ada)
	if err := store.Load(ctx, project.ID); err != nil {
		t.Fatalf("load: %v", err)
	}
	drag := client.NewDragController(ada, store)
	if _, err := drag.Begin(task.ID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	moved, err := drag.Drop(ctx, listA.ID)
	if err != nil || !moved {
		t.Fatalf("drop: moved=%v err=%v", moved, err)
	}

	board := store.Snapshot().Board
	if got := listTaskIDs(board, listA.ID); !slices.Equal(got, []string{task.ID}) {
		t.Fatalf("list A holds %v", got)
	}
	if got := listTaskIDs(board, listB.ID); len(got) != 0 {
		t.Fatalf("list B still holds %v", got)
	}
	moved1, _, _ := board.FindTask(task.ID)
	if moved1.Priority != domain.PriorityMedium || moved1.DueDate.Format("2006-01-02") != "2025-01-10" {
		t.Fatalf("move changed task fields: %+v", moved1)
	}
}

func TestSecondSessionReloadsAfterEvent(t *testing.T) {
	sys := startSystem(t)
	project, listA, _, _ := seedProject(t, sys)
	ctx := context.Background()

	if _, err := sys.api(t, "ada").AddParticipant(ctx, project.ID, "bob", domain.RoleViewer); err != nil {
		t.Fatalf("add participant: %v", err)
	}

	bobStore := client.NewBoardStore(sys.api(t, "bob"))
	reconciler := client.NewReconciler(bobStore, sys.events(t, "bob"), nil)
	if err := reconciler.Mount(ctx, project.ID); err != nil {
		t.Fatalf("mount: %v", err)
	}
	defer reconciler.Unmount()
	before := bobStore.Snapshot().Board.TaskCount()

	created, err := sys.api(t, "ada").CreateTask(ctx, domain.NewTask{
		ListID:  listA.ID,
		Title:   "Follow-up",
		DueDate: dueDate(t, "2025-02-01"),
	}, "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	eventually(t, "bob's board to show the new task", func() bool {
		_, listID, ok := bobStore.Snapshot().Board.FindTask(created.ID)
		return ok && listID == listA.ID
	})
	if got := bobStore.Snapshot().Board.TaskCount(); got != before+1 {
		t.Fatalf("expected %d tasks, got %d", before+1, got)
	}
}

func TestRejectedMutationPublishesNothing(t *testing.T) {
	sys := startSystem(t)
	project, listA, _, _ := seedProject(t, sys)
	ctx := context.Background()
	ada := sys.api(t, "ada")

	sub := sys.events(t, "ada").Subscribe(ctx, project.ID)
	defer sub.Close()
	awaitResync(t, sub)

	_, err := ada.CreateTask(ctx, domain.NewTask{ListID: listA.ID, Title: "   ", DueDate: dueDate(t, "2025-01-10")}, "")
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := ada.UpdateListColor(ctx, listA.ID, "red-500"); err != nil {
		t.Fatalf("update color: %v", err)
	}
	// Events on a topic keep publish order, so the first one seen must be
	// the color change.
	if kind := nextKind(t, sub); kind != domain.ListUpdated {
		t.Fatalf("expected list-updated first, got %q", kind)
	}
}

func TestDeleteTwiceThenForcedLoad(t *testing.T) {
	sys := startSystem(t)
	project, _, _, task := seedProject(t, sys)
	ctx := context.Background()
	ada := sys.api(t, "ada")

	if _, err := ada.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := ada.DeleteTask(ctx, task.ID); !domain.IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}

	store := client.NewBoardStore(ada)
	if err := store.Load(ctx, project.ID); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, _, ok := store.Snapshot().Board.FindTask(task.ID); ok {
		t.Fatalf("deleted task still on the board")
	}
}

func TestStaleDragOfDeletedTaskForcesReload(t *testing.T) {
	sys := startSystem(t)
	project, listA, _, task := seedProject(t, sys)
	ctx := context.Background()
	ada := sys.api(t, "ada")

	store := client.NewBoardStore(ada)
	if err := store.Load(ctx, project.ID); err != nil {
		t.Fatalf("load: %v", err)
	}
	drag := client.NewDragController(ada, store)
	if _, err := drag.Begin(task.ID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := ada.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := drag.Drop(ctx, listA.ID); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, ok := store.Snapshot().Board.FindTask(task.ID); ok {
		t.Fatalf("forced reload did not drop the deleted task")
	}
}

func TestCrossProjectMoveRejected(t *testing.T) {
	sys := startSystem(t)
	project, _, listB, task := seedProject(t, sys)
	ctx := context.Background()
	ada := sys.api(t, "ada")

	other, err := ada.CreateProject(ctx, "Other")
	if err != nil {
		t.Fatalf("create other project: %v", err)
	}
	foreign, err := ada.CreateList(ctx, other.ID, "Elsewhere", "")
	if err != nil {
		t.Fatalf("create foreign list: %v", err)
	}
	if _, err := ada.MoveTask(ctx, task.ID, foreign.ID); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	board, err := ada.LoadBoard(ctx, project.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, listID, ok := board.FindTask(task.ID); !ok || listID != listB.ID {
		t.Fatalf("task left list B: ok=%v list=%s", ok, listID)
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	sys := startSystem(t)
	project, _, _, _ := seedProject(t, sys)
	ctx := context.Background()
	ada := sys.api(t, "ada")

	first, err := ada.LoadBoard(ctx, project.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second, err := ada.LoadBoard(ctx, project.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	a, _ := sonic.Marshal(first)
	b, _ := sonic.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("loads differ:\n%s\n%s", a, b)
	}
}

func TestOutsiderCannotSubscribe(t *testing.T) {
	sys := startSystem(t)
	project, _, _, _ := seedProject(t, sys)

	sub := sys.events(t, "mallory").Subscribe(context.Background(), project.ID)
	defer sub.Close()
	for range sub.C {
	}
	if !domain.IsUnauthorized(sub.Err()) {
		t.Fatalf("expected unauthorized, got %v", sub.Err())
	}
	if _, err := sys.api(t, "mallory").LoadBoard(context.Background(), project.ID); !domain.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized load, got %v", err)
	}
}

func TestProjectDeletionEndsSubscription(t *testing.T) {
	sys := startSystem(t)
	project, _, _, _ := seedProject(t, sys)
	ctx := context.Background()

	sub := sys.events(t, "ada").Subscribe(ctx, project.ID)
	defer sub.Close()
	awaitResync(t, sub)

	if _, err := sys.api(t, "ada").DeleteProject(ctx, project.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if kind := nextKind(t, sub); kind != domain.ProjectDeleted {
		t.Fatalf("expected project-deleted, got %q", kind)
	}
	// The stream closes after the terminal event; the reconnect finds no
	// project and the subscription ends.
	for range sub.C {
	}
	if !domain.IsNotFound(sub.Err()) {
		t.Fatalf("expected not found after deletion, got %v", sub.Err())
	}
}
