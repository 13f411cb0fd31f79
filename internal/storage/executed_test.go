package storage

import (
	"context"
	"testing"
	"time"

	"pgregory.net/rapid"

	"deferbot/internal/modifier"
)

// Marking is monotonic: any sequence of MarkExecuted calls, repeats included,
// leaves exactly the never-marked tasks pending.
func TestMarkExecutedProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		st := NewMemory()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

		n := rapid.IntRange(1, 15).Draw(rt, "tasks")
		for i := 0; i < n; i++ {
			if _, err := st.CreateTask(ctx, Task{MailingID: 1, Kind: modifier.Delete, DueAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
				rt.Fatalf("CreateTask: %v", err)
			}
		}

		marked := map[int64]bool{}
		marks := rapid.SliceOf(rapid.Int64Range(1, int64(n)+3)).Draw(rt, "marks")
		for _, id := range marks {
			if err := st.MarkExecuted(ctx, id); err != nil {
				rt.Fatalf("MarkExecuted(%d): %v", id, err)
			}
			marked[id] = true
		}

		pending, err := st.PendingTasks(ctx)
		if err != nil {
			rt.Fatalf("PendingTasks: %v", err)
		}
		for _, p := range pending {
			if marked[p.ID] {
				rt.Fatalf("task %d pending after MarkExecuted", p.ID)
			}
		}
		want := 0
		for id := int64(1); id <= int64(n); id++ {
			if !marked[id] {
				want++
			}
		}
		if len(pending) != want {
			rt.Fatalf("pending = %d, want %d", len(pending), want)
		}
	})
}
