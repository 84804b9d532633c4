package edf

import (
	"testing"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

func job(id types.JobID, deadlineNS uint64) *types.Job {
	return &types.Job{
		ID:                 id,
		ClassID:            1,
		State:              types.StateReady,
		AbsoluteDeadlineNS: deadlineNS,
	}
}

func TestQueueOrdersByDeadline(t *testing.T) {
	q := NewQueue(8)

	for _, j := range []*types.Job{
		job(1, 30_000), job(2, 10_000), job(3, 20_000),
	} {
		if err := q.Push(j, j.AbsoluteDeadlineNS); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	var got []types.JobID
	for j := q.Pop(); j != nil; j = q.Pop() {
		got = append(got, j.ID)
	}
	want := []types.JobID{2, 3, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pop order: got %v, want %v", got, want)
			break
		}
	}
}

// TestQueueTieBreak: equal deadlines resolve to the lowest job ID, so
// dispatch traces are reproducible run to run.
func TestQueueTieBreak(t *testing.T) {
	q := NewQueue(8)

	for _, j := range []*types.Job{
		job(9, 10_000), job(3, 10_000), job(7, 10_000), job(1, 10_000),
	} {
		if err := q.Push(j, j.AbsoluteDeadlineNS); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	want := []types.JobID{1, 3, 7, 9}
	for i, w := range want {
		j := q.Pop()
		if j == nil || j.ID != w {
			t.Fatalf("tie-break pop %d: got %v, want job %d", i, j, w)
		}
	}
}

func TestQueueCapacity(t *testing.T) {
	q := NewQueue(2)

	if err := q.Push(job(1, 1), 1); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push(job(2, 2), 2); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push(job(3, 3), 3); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue(8)

	for _, j := range []*types.Job{
		job(1, 10_000), job(2, 20_000), job(3, 30_000), job(4, 15_000),
	} {
		q.Push(j, j.AbsoluteDeadlineNS)
	}

	if !q.Remove(2) {
		t.Fatal("Remove(2) should succeed")
	}
	if q.Remove(2) {
		t.Fatal("Remove(2) twice should fail")
	}
	if q.Remove(99) {
		t.Fatal("Remove of unknown job should fail")
	}

	// Heap order must survive interior removal.
	want := []types.JobID{1, 4, 3}
	for i, w := range want {
		j := q.Pop()
		if j == nil || j.ID != w {
			t.Fatalf("pop %d after removal: got %v, want job %d", i, j, w)
		}
	}
}

func TestQueueEmptyPop(t *testing.T) {
	q := NewQueue(4)
	if q.Pop() != nil {
		t.Error("Pop on empty queue should return nil")
	}
	if q.Peek() != nil {
		t.Error("Peek on empty queue should return nil")
	}
}
