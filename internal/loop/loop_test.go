package loop

import (
	"context"
	"testing"
	"time"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := New(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	got := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		l.Dispatch(func() { got <- i })
	}
	for want := 1; want <= 3; want++ {
		select {
		case v := <-got:
			if v != want {
				t.Fatalf("expected task %d, got %d", want, v)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for task")
		}
	}
}

func TestLoopDropsAfterClose(t *testing.T) {
	l := New(1)
	l.Close()
	l.Dispatch(func() { t.Error("task ran after close") })
	select {
	case <-l.Done():
	default:
		t.Fatal("expected done to be closed")
	}
}

func TestQueueDrainIncludesNestedTasks(t *testing.T) {
	var q Queue
	var order []string
	q.Dispatch(func() {
		order = append(order, "outer")
		q.Dispatch(func() { order = append(order, "nested") })
	})
	q.Dispatch(func() { order = append(order, "second") })

	if n := q.Drain(); n != 3 {
		t.Fatalf("expected 3 tasks, got %d", n)
	}
	want := []string{"outer", "second", "nested"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestLoopTaskCanDispatchPastInitialCapacity(t *testing.T) {
	l := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	const fanout = 1000
	finished := make(chan int, 1)
	ran := 0
	l.Dispatch(func() {
		for i := 0; i < fanout; i++ {
			l.Dispatch(func() {
				ran++
				if ran == fanout {
					finished <- ran
				}
			})
		}
	})
	select {
	case n := <-finished:
		if n != fanout {
			t.Fatalf("expected %d tasks, got %d", fanout, n)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("loop stalled with %d of %d nested tasks pending", l.Len(), fanout)
	}
}
