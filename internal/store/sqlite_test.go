package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"dispatchd/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestTask() *model.Task {
	timeout := 30
	return &model.Task{
		ID:        model.NewID(),
		Kind:      model.KindShell,
		Payload:   json.RawMessage(`{"command":"echo hi"}`),
		Status:    model.StatusPending,
		TimeoutS:  &timeout,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func makeTestCohort(size int) (*model.Cohort, []*model.Task) {
	c := &model.Cohort{
		ID:        model.NewID(),
		Size:      size,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	tasks := make([]*model.Task, 0, size)
	for i := 0; i < size; i++ {
		task := makeTestTask()
		task.CohortID = c.ID
		tasks = append(tasks, task)
	}
	return c, tasks
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}

	if got.ID != task.ID {
		t.Errorf("ID = %q, want %q", got.ID, task.ID)
	}
	if got.Kind != task.Kind {
		t.Errorf("Kind = %q, want %q", got.Kind, task.Kind)
	}
	if got.Status != task.Status {
		t.Errorf("Status = %q, want %q", got.Status, task.Status)
	}
	if got.CohortID != "" {
		t.Errorf("CohortID = %q, want empty", got.CohortID)
	}
	if string(got.Payload) != string(task.Payload) {
		t.Errorf("Payload = %q, want %q", string(got.Payload), string(task.Payload))
	}
	if *got.TimeoutS != *task.TimeoutS {
		t.Errorf("TimeoutS = %d, want %d", *got.TimeoutS, *task.TimeoutS)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetTask(ctx, "nonexistent")
	if err != ErrNotFound {
		t.Errorf("GetTask error = %v, want ErrNotFound", err)
	}
}

func TestListTasksPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Insert 5 tasks with staggered creation times.
	for i := 0; i < 5; i++ {
		task := makeTestTask()
		task.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask[%d]: %v", i, err)
		}
	}

	// Get first page of 2.
	tasks, total, err := s.ListTasks(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(tasks) != 2 {
		t.Errorf("len(tasks) = %d, want 2", len(tasks))
	}

	// Get second page of 2.
	tasks2, total2, err := s.ListTasks(ctx, "", 2, 2)
	if err != nil {
		t.Fatalf("ListTasks page 2: %v", err)
	}
	if total2 != 5 {
		t.Errorf("total page 2 = %d, want 5", total2)
	}
	if len(tasks2) != 2 {
		t.Errorf("len(tasks) page 2 = %d, want 2", len(tasks2))
	}
}

func TestListTasksOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Insert tasks with ascending created_at.
	for i := 0; i < 3; i++ {
		task := makeTestTask()
		task.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask[%d]: %v", i, err)
		}
	}

	tasks, _, err := s.ListTasks(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}

	// Should be ordered DESC, newest first.
	for i := 1; i < len(tasks); i++ {
		if tasks[i].CreatedAt.After(tasks[i-1].CreatedAt) {
			t.Errorf("tasks not in DESC order: [%d].CreatedAt=%v > [%d].CreatedAt=%v",
				i, tasks[i].CreatedAt, i-1, tasks[i-1].CreatedAt)
		}
	}
}

func TestListTasksEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tasks, total, err := s.ListTasks(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if tasks != nil {
		t.Errorf("tasks = %v, want nil", tasks)
	}
}

func TestListTasksCohortFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, members := makeTestCohort(3)
	if err := s.CreateCohort(ctx, c, members); err != nil {
		t.Fatalf("CreateCohort: %v", err)
	}
	// One standalone task outside the cohort.
	if err := s.CreateTask(ctx, makeTestTask()); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	tasks, total, err := s.ListTasks(ctx, c.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListTasks(cohort): %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(tasks) != 3 {
		t.Fatalf("len(tasks) = %d, want 3", len(tasks))
	}
	for i, task := range tasks {
		if task.CohortID != c.ID {
			t.Errorf("tasks[%d].CohortID = %q, want %q", i, task.CohortID, c.ID)
		}
	}

	// Unfiltered listing sees all four.
	_, total, err = s.ListTasks(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListTasks(all): %v", err)
	}
	if total != 4 {
		t.Errorf("unfiltered total = %d, want 4", total)
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusRunning); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != model.StatusRunning {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusRunning)
	}
}

func TestUpdateTaskStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpdateTaskStatus(ctx, "nonexistent", model.StatusRunning)
	if err != ErrNotFound {
		t.Errorf("UpdateTaskStatus error = %v, want ErrNotFound", err)
	}
}

func TestUpdateTaskStatusValidLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// pending → running
	if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusRunning); err != nil {
		t.Fatalf("pending→running: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != model.StatusRunning {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusRunning)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt is nil, expected it to be set for running status")
	}

	// running → completed
	if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusCompleted); err != nil {
		t.Fatalf("running→completed: %v", err)
	}
	got, _ = s.GetTask(ctx, task.ID)
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCompleted)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil, expected it to be set for completed status")
	}
}

func TestUpdateTaskStatusInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		from, to string
	}{
		{"pending→completed", model.StatusPending, model.StatusCompleted},
		{"pending→pending", model.StatusPending, model.StatusPending},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task := makeTestTask()
			task.Status = tc.from
			if err := s.CreateTask(ctx, task); err != nil {
				t.Fatalf("CreateTask: %v", err)
			}

			err := s.UpdateTaskStatus(ctx, task.ID, tc.to)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("got error %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestUpdateTaskStatusTerminalCannotTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Move to running, then completed (terminal).
	if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusRunning); err != nil {
		t.Fatalf("pending→running: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusCompleted); err != nil {
		t.Fatalf("running→completed: %v", err)
	}

	// completed → running should fail
	err := s.UpdateTaskStatus(ctx, task.ID, model.StatusRunning)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed→running: got error %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Transition to running, then persist the full outcome.
	now := time.Now().UTC()
	exitCode := 0
	durationMS := 150
	task.Status = model.StatusRunning
	task.StartedAt = &now
	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask (running): %v", err)
	}

	task.Status = model.StatusCompleted
	task.Output = []byte("hello world")
	task.ExitCode = &exitCode
	task.Error = ""
	task.DurationMS = &durationMS
	finishedAt := now.Add(time.Duration(durationMS) * time.Millisecond)
	task.FinishedAt = &finishedAt

	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask (completed): %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCompleted)
	}
	if string(got.Output) != "hello world" {
		t.Errorf("Output = %q, want %q", string(got.Output), "hello world")
	}
	if *got.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", *got.ExitCode)
	}
	if *got.DurationMS != 150 {
		t.Errorf("DurationMS = %d, want 150", *got.DurationMS)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil")
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := makeTestTask()
	task.ID = "nonexistent"
	err := s.UpdateTask(ctx, task)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
}

func TestUpdateTaskInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// pending → completed is invalid
	task.Status = model.StatusCompleted
	err := s.UpdateTask(ctx, task)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("got error %v, want ErrInvalidTransition", err)
	}
}

func TestCreateCohortPersistsMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, members := makeTestCohort(3)
	if err := s.CreateCohort(ctx, c, members); err != nil {
		t.Fatalf("CreateCohort: %v", err)
	}

	got, err := s.GetCohort(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCohort: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("ID = %q, want %q", got.ID, c.ID)
	}
	if got.Size != 3 {
		t.Errorf("Size = %d, want 3", got.Size)
	}

	for i, m := range members {
		task, err := s.GetTask(ctx, m.ID)
		if err != nil {
			t.Fatalf("GetTask member[%d]: %v", i, err)
		}
		if task.CohortID != c.ID {
			t.Errorf("member[%d].CohortID = %q, want %q", i, task.CohortID, c.ID)
		}
	}
}

func TestCreateCohortDuplicateRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, members := makeTestCohort(2)
	if err := s.CreateCohort(ctx, c, members); err != nil {
		t.Fatalf("CreateCohort: %v", err)
	}

	// Reusing a member ID must fail and leave no new rows behind.
	c2, members2 := makeTestCohort(2)
	members2[1].ID = members[0].ID
	if err := s.CreateCohort(ctx, c2, members2); err == nil {
		t.Fatal("CreateCohort with duplicate member ID succeeded, want error")
	}

	if _, err := s.GetCohort(ctx, c2.ID); err != ErrNotFound {
		t.Errorf("GetCohort after rollback = %v, want ErrNotFound", err)
	}
	if _, err := s.GetTask(ctx, members2[0].ID); err != ErrNotFound {
		t.Errorf("GetTask after rollback = %v, want ErrNotFound", err)
	}
}

func TestGetCohortNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetCohort(ctx, "nonexistent")
	if err != ErrNotFound {
		t.Errorf("GetCohort error = %v, want ErrNotFound", err)
	}
}

func TestListCohortsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c, members := makeTestCohort(1)
		c.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateCohort(ctx, c, members); err != nil {
			t.Fatalf("CreateCohort[%d]: %v", i, err)
		}
	}

	cohorts, total, err := s.ListCohorts(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListCohorts: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(cohorts) != 2 {
		t.Errorf("len(cohorts) = %d, want 2", len(cohorts))
	}
}

func TestGetCohortProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, members := makeTestCohort(4)
	if err := s.CreateCohort(ctx, c, members); err != nil {
		t.Fatalf("CreateCohort: %v", err)
	}

	// Drive two members to terminal states and one to running.
	if err := s.UpdateTaskStatus(ctx, members[0].ID, model.StatusRunning); err != nil {
		t.Fatalf("member[0] running: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, members[0].ID, model.StatusCompleted); err != nil {
		t.Fatalf("member[0] completed: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, members[1].ID, model.StatusRunning); err != nil {
		t.Fatalf("member[1] running: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, members[1].ID, model.StatusFailed); err != nil {
		t.Fatalf("member[1] failed: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, members[2].ID, model.StatusRunning); err != nil {
		t.Fatalf("member[2] running: %v", err)
	}

	p, err := s.GetCohortProgress(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCohortProgress: %v", err)
	}

	if p.Total != 4 {
		t.Errorf("Total = %d, want 4", p.Total)
	}
	if p.Done != 2 {
		t.Errorf("Done = %d, want 2", p.Done)
	}
	if p.ByStatus[model.StatusCompleted] != 1 {
		t.Errorf("completed = %d, want 1", p.ByStatus[model.StatusCompleted])
	}
	if p.ByStatus[model.StatusFailed] != 1 {
		t.Errorf("failed = %d, want 1", p.ByStatus[model.StatusFailed])
	}
	if p.ByStatus[model.StatusRunning] != 1 {
		t.Errorf("running = %d, want 1", p.ByStatus[model.StatusRunning])
	}
	if p.ByStatus[model.StatusPending] != 1 {
		t.Errorf("pending = %d, want 1", p.ByStatus[model.StatusPending])
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two shell tasks driven to completion with durations 100 and 200.
	for i := 0; i < 2; i++ {
		task := makeTestTask()
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusRunning); err != nil {
			t.Fatalf("UpdateTaskStatus running: %v", err)
		}
		dur := 100 + i*100
		now := time.Now().UTC()
		task.Status = model.StatusCompleted
		task.DurationMS = &dur
		task.StartedAt = &now
		task.FinishedAt = &now
		if err := s.UpdateTask(ctx, task); err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
	}

	// One pending shell task and one pending http task.
	if err := s.CreateTask(ctx, makeTestTask()); err != nil {
		t.Fatalf("CreateTask (shell): %v", err)
	}
	httpTask := makeTestTask()
	httpTask.Kind = model.KindHTTP
	if err := s.CreateTask(ctx, httpTask); err != nil {
		t.Fatalf("CreateTask (http): %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByStatus[model.StatusCompleted] != 2 {
		t.Errorf("completed count = %d, want 2", stats.CountByStatus[model.StatusCompleted])
	}
	if stats.CountByStatus[model.StatusPending] != 2 {
		t.Errorf("pending count = %d, want 2", stats.CountByStatus[model.StatusPending])
	}
	if stats.CountByKind[model.KindShell] != 3 {
		t.Errorf("shell count = %d, want 3", stats.CountByKind[model.KindShell])
	}
	if stats.CountByKind[model.KindHTTP] != 1 {
		t.Errorf("http count = %d, want 1", stats.CountByKind[model.KindHTTP])
	}
	if stats.AvgDurationMS != 150 {
		t.Errorf("AvgDurationMS = %f, want 150", stats.AvgDurationMS)
	}
}

func TestGetStatsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("AvgDurationMS = %f, want 0", stats.AvgDurationMS)
	}
}

func TestInsertAndGetLogLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Insert three log lines.
	for i := 0; i < 3; i++ {
		if err := s.InsertLogLine(ctx, task.ID, i, fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("InsertLogLine[%d]: %v", i, err)
		}
	}

	lines, err := s.GetLogLines(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}

	for i, l := range lines {
		if l.Seq != i {
			t.Errorf("lines[%d].Seq = %d, want %d", i, l.Seq, i)
		}
		want := fmt.Sprintf("line %d", i)
		if l.Line != want {
			t.Errorf("lines[%d].Line = %q, want %q", i, l.Line, want)
		}
		if l.TaskID != task.ID {
			t.Errorf("lines[%d].TaskID = %q, want %q", i, l.TaskID, task.ID)
		}
		if l.ID == 0 {
			t.Errorf("lines[%d].ID = 0, expected non-zero auto-increment ID", i)
		}
	}
}

func TestGetLogLinesOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Insert lines out of order.
	for _, seq := range []int{2, 0, 1} {
		if err := s.InsertLogLine(ctx, task.ID, seq, fmt.Sprintf("line %d", seq)); err != nil {
			t.Fatalf("InsertLogLine[%d]: %v", seq, err)
		}
	}

	lines, err := s.GetLogLines(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}

	// Should be ordered by seq ASC regardless of insertion order.
	for i := 0; i < len(lines)-1; i++ {
		if lines[i].Seq >= lines[i+1].Seq {
			t.Errorf("lines not ordered by seq: lines[%d].Seq=%d >= lines[%d].Seq=%d",
				i, lines[i].Seq, i+1, lines[i+1].Seq)
		}
	}
}

func TestGetLogLinesEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	lines, err := s.GetLogLines(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("len(lines) = %d, want 0", len(lines))
	}
	if lines == nil {
		t.Error("lines is nil, expected empty slice")
	}
}

func TestGetLogLinesScopedToTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := makeTestTask()
	t2 := makeTestTask()
	if err := s.CreateTask(ctx, t1); err != nil {
		t.Fatalf("CreateTask t1: %v", err)
	}
	if err := s.CreateTask(ctx, t2); err != nil {
		t.Fatalf("CreateTask t2: %v", err)
	}

	// Insert lines for both tasks.
	if err := s.InsertLogLine(ctx, t1.ID, 0, "t1 line"); err != nil {
		t.Fatalf("InsertLogLine t1: %v", err)
	}
	if err := s.InsertLogLine(ctx, t2.ID, 0, "t2 line"); err != nil {
		t.Fatalf("InsertLogLine t2: %v", err)
	}

	lines1, err := s.GetLogLines(ctx, t1.ID)
	if err != nil {
		t.Fatalf("GetLogLines t1: %v", err)
	}
	if len(lines1) != 1 {
		t.Fatalf("t1 len(lines) = %d, want 1", len(lines1))
	}
	if lines1[0].Line != "t1 line" {
		t.Errorf("t1 line = %q, want %q", lines1[0].Line, "t1 line")
	}

	lines2, err := s.GetLogLines(ctx, t2.ID)
	if err != nil {
		t.Fatalf("GetLogLines t2: %v", err)
	}
	if len(lines2) != 1 {
		t.Fatalf("t2 len(lines) = %d, want 1", len(lines2))
	}
	if lines2[0].Line != "t2 line" {
		t.Errorf("t2 line = %q, want %q", lines2[0].Line, "t2 line")
	}
}

func TestFailUnfinished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := makeTestTask()
	if err := s.CreateTask(ctx, pending); err != nil {
		t.Fatalf("CreateTask pending: %v", err)
	}

	running := makeTestTask()
	if err := s.CreateTask(ctx, running); err != nil {
		t.Fatalf("CreateTask running: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, running.ID, model.StatusRunning); err != nil {
		t.Fatalf("UpdateTaskStatus running: %v", err)
	}

	done := makeTestTask()
	if err := s.CreateTask(ctx, done); err != nil {
		t.Fatalf("CreateTask done: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, done.ID, model.StatusRunning); err != nil {
		t.Fatalf("done → running: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, done.ID, model.StatusCompleted); err != nil {
		t.Fatalf("done → completed: %v", err)
	}

	n, err := s.FailUnfinished(ctx, "server restarted")
	if err != nil {
		t.Fatalf("FailUnfinished: %v", err)
	}
	if n != 2 {
		t.Errorf("FailUnfinished touched %d rows, want 2", n)
	}

	for _, id := range []string{pending.ID, running.ID} {
		got, err := s.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status != model.StatusFailed {
			t.Errorf("Status = %q, want %q", got.Status, model.StatusFailed)
		}
		if got.Error != "server restarted" {
			t.Errorf("Error = %q, want %q", got.Error, "server restarted")
		}
		if got.FinishedAt == nil {
			t.Error("FinishedAt is nil, expected it to be set")
		}
	}

	got, err := s.GetTask(ctx, done.ID)
	if err != nil {
		t.Fatalf("GetTask done: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("completed task Status = %q, want untouched %q", got.Status, model.StatusCompleted)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	// Opening the store twice on the same DB shouldn't error.
	s1, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("First open: %v", err)
	}

	// The in-memory DB won't persist between opens, but we can verify
	// the CREATE TABLE IF NOT EXISTS works by calling it on the same connection.
	if _, err := s1.db.Exec(createTasksTable); err != nil {
		t.Fatalf("Second migration: %v", err)
	}
	s1.Close()
}
