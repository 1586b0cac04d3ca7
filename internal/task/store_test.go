package task

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), ".takt", "tasks.yaml"))
}

func TestAddAndListRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.AddTask("first", "do the first thing", "review"); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := s.AddTask("second", "do the second thing", ""); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	tasks, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if tasks[0].Name != "first" || tasks[0].Piece != "review" || tasks[0].Status != StatusPending {
		t.Errorf("first task = %+v", tasks[0])
	}
	if tasks[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	// A second store over the same file sees the same data.
	s2 := NewStore(s.Path())
	tasks2, err := s2.List()
	if err != nil {
		t.Fatalf("List on reopened store: %v", err)
	}
	if len(tasks2) != 2 || tasks2[1].Content != "do the second thing" {
		t.Errorf("reopened store tasks = %+v", tasks2)
	}

	got, err := s2.Get("first")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "do the first thing" {
		t.Errorf("Get content = %q", got.Content)
	}
	if _, err := s2.Get("missing"); err == nil {
		t.Error("Get(missing) succeeded")
	}
}

func TestAddTaskRejectsDuplicatesAndBadNames(t *testing.T) {
	s := newTestStore(t)
	if err := s.AddTask("dup", "x", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTask("dup", "y", ""); err == nil {
		t.Error("duplicate name accepted")
	}
	for _, bad := range []string{"", "has space", "slash/name", "semi;colon"} {
		if err := s.AddTask(bad, "x", ""); err == nil {
			t.Errorf("AddTask(%q) accepted", bad)
		}
	}
	for _, good := range []string{"fix-bug.2", "A_b-c", "123"} {
		if err := ValidateName(good); err != nil {
			t.Errorf("ValidateName(%q) = %v", good, err)
		}
	}
}

func TestClaimNextTasksFIFOAndDisjoint(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"a", "b", "c"} {
		if err := s.AddTask(name, "x", ""); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.ClaimNextTasks(2)
	if err != nil {
		t.Fatalf("ClaimNextTasks: %v", err)
	}
	if len(first) != 2 || first[0].Name != "a" || first[1].Name != "b" {
		t.Fatalf("first claim = %+v, want a then b", first)
	}
	for _, c := range first {
		if c.Status != StatusRunning || c.StartedAt == nil {
			t.Errorf("claimed task %q not marked running", c.Name)
		}
	}

	second, err := s.ClaimNextTasks(2)
	if err != nil {
		t.Fatalf("ClaimNextTasks: %v", err)
	}
	if len(second) != 1 || second[0].Name != "c" {
		t.Fatalf("second claim = %+v, want just c", second)
	}

	third, err := s.ClaimNextTasks(2)
	if err != nil {
		t.Fatalf("ClaimNextTasks: %v", err)
	}
	if len(third) != 0 {
		t.Errorf("third claim = %+v, want empty", third)
	}
}

func TestCompleteAndFail(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"good", "bad"} {
		if err := s.AddTask(name, "x", ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.ClaimNextTasks(2); err != nil {
		t.Fatal(err)
	}

	if err := s.CompleteTask("good", "final answer"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if err := s.FailTask("bad", &Failure{Movement: "review", Error: "no_matching_rule", LastMessage: "tail"}); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	tasks, _ := s.List()
	good, bad := tasks[0], tasks[1]
	if good.Status != StatusCompleted || good.CompletedAt == nil || good.Response != "final answer" {
		t.Errorf("completed task = %+v", good)
	}
	if bad.Status != StatusFailed || bad.Failure == nil || bad.Failure.Movement != "review" {
		t.Errorf("failed task = %+v", bad)
	}

	if err := s.CompleteTask("missing", ""); err == nil {
		t.Error("CompleteTask accepted unknown task")
	}
}

func TestRequeueTask(t *testing.T) {
	s := newTestStore(t)
	if err := s.AddTask("t", "original prompt", ""); err != nil {
		t.Fatal(err)
	}
	fromFailed := []string{StatusFailed}

	// A pending task is not in fromStatuses.
	if err := s.RequeueTask("t", fromFailed, "", ""); err == nil {
		t.Error("RequeueTask accepted a pending task")
	}

	if _, err := s.ClaimNextTasks(1); err != nil {
		t.Fatal(err)
	}
	if err := s.FailTask("t", &Failure{Movement: "impl", Error: "boom"}); err != nil {
		t.Fatal(err)
	}

	if err := s.RequeueTask("t", fromFailed, "impl", "also fix the flaky test"); err != nil {
		t.Fatalf("RequeueTask: %v", err)
	}
	tasks, _ := s.List()
	got := tasks[0]
	if got.Status != StatusPending || got.StartedAt != nil || got.CompletedAt != nil {
		t.Errorf("requeued task = %+v", got)
	}
	if got.Failure != nil {
		t.Error("requeue kept the failure record")
	}
	if got.Content != "original prompt" {
		t.Errorf("content changed on requeue: %q", got.Content)
	}
	if got.RetryNote != "also fix the flaky test" {
		t.Errorf("retry note = %q", got.RetryNote)
	}
	if got.StartMovement != "impl" {
		t.Errorf("start movement = %q, want impl", got.StartMovement)
	}

	// A second retry concatenates notes after a blank line.
	if _, err := s.ClaimNextTasks(1); err != nil {
		t.Fatal(err)
	}
	if err := s.FailTask("t", &Failure{Movement: "impl", Error: "boom again"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RequeueTask("t", fromFailed, "", "and update the docs"); err != nil {
		t.Fatalf("RequeueTask: %v", err)
	}
	tasks, _ = s.List()
	if want := "also fix the flaky test\n\nand update the docs"; tasks[0].RetryNote != want {
		t.Errorf("retry note = %q, want %q", tasks[0].RetryNote, want)
	}
}

func TestStartReExecution(t *testing.T) {
	s := newTestStore(t)
	if err := s.AddTask("t", "p", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextTasks(1); err != nil {
		t.Fatal(err)
	}
	if err := s.FailTask("t", &Failure{Movement: "verify", Error: "boom"}); err != nil {
		t.Fatal(err)
	}

	rec, err := s.StartReExecution("t", []string{StatusFailed}, "verify", "look closer")
	if err != nil {
		t.Fatalf("StartReExecution: %v", err)
	}
	// The record flips straight to running for immediate execution.
	if rec.Status != StatusRunning || rec.StartedAt == nil {
		t.Errorf("returned record = %+v, want running", rec)
	}
	if rec.StartMovement != "verify" || rec.RetryNote != "look closer" {
		t.Errorf("returned record = %+v", rec)
	}

	tasks, _ := s.List()
	if tasks[0].Status != StatusRunning {
		t.Errorf("status = %q, want running", tasks[0].Status)
	}
	if tasks[0].Failure != nil {
		t.Error("failure kept after re-execution started")
	}
}

func TestRecoverInterruptedRunningTasks(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"a", "b"} {
		if err := s.AddTask(name, "x", ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.ClaimNextTasks(2); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTask("a", ""); err != nil {
		t.Fatal(err)
	}

	recovered, err := s.RecoverInterruptedRunningTasks()
	if err != nil {
		t.Fatalf("RecoverInterruptedRunningTasks: %v", err)
	}
	if recovered != 1 {
		t.Errorf("recovered = %d, want 1", recovered)
	}
	tasks, _ := s.List()
	for _, tk := range tasks {
		if tk.Name == "b" && tk.Status != StatusPending {
			t.Errorf("task b status = %q, want pending", tk.Status)
		}
		if tk.Name == "a" && tk.Status != StatusCompleted {
			t.Errorf("task a status = %q, want completed", tk.Status)
		}
	}
}

func TestClearFinished(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"done", "bad", "waiting"} {
		if err := s.AddTask(name, "x", ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.ClaimNextTasks(2); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteTask("done", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.FailTask("bad", &Failure{Error: "x"}); err != nil {
		t.Fatal(err)
	}

	removed, err := s.ClearFinished()
	if err != nil {
		t.Fatalf("ClearFinished: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	tasks, _ := s.List()
	if len(tasks) != 1 || tasks[0].Name != "waiting" {
		t.Errorf("remaining = %+v", tasks)
	}
}

func TestSaveIsAtomic(t *testing.T) {
	s := newTestStore(t)
	if err := s.AddTask("t", "x", ""); err != nil {
		t.Fatal(err)
	}
	// No temp files left behind next to the list.
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tasks-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}
