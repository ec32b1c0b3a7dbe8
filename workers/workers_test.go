package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestQueueRunsTasks(t *testing.T) {
	c := qt.New(t)
	q := NewQueue(8)
	q.Start(context.Background())
	defer q.Stop()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		q.Enqueue("count", func(context.Context) {
			ran.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	c.Assert(ran.Load(), qt.Equals, int32(5))
}

// a saturated queue runs the task inline instead of dropping it
func TestQueueSaturationRunsInline(t *testing.T) {
	c := qt.New(t)
	q := NewQueue(1)
	q.Start(context.Background())
	defer q.Stop()

	block := make(chan struct{})
	q.Enqueue("blocker", func(context.Context) { <-block })
	q.Enqueue("queued", func(context.Context) {})

	var inline atomic.Bool
	q.Enqueue("overflow", func(context.Context) { inline.Store(true) })
	c.Assert(inline.Load(), qt.IsTrue)
	close(block)
}

func TestQueueStopDrains(t *testing.T) {
	c := qt.New(t)
	q := NewQueue(8)
	q.Start(context.Background())

	var ran atomic.Int32
	release := make(chan struct{})
	q.Enqueue("slow", func(context.Context) {
		<-release
		ran.Add(1)
	})
	q.Enqueue("after", func(context.Context) { ran.Add(1) })

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	q.Stop()
	c.Assert(ran.Load(), qt.Equals, int32(2))
}

func TestQueuePanicRecovered(t *testing.T) {
	c := qt.New(t)
	q := NewQueue(8)
	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue("boom", func(context.Context) { panic("boom") })

	var ok atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	q.Enqueue("next", func(context.Context) {
		ok.Store(true)
		wg.Done()
	})
	wg.Wait()
	c.Assert(ok.Load(), qt.IsTrue)
}

func TestEnqueueAfterStopRunsInline(t *testing.T) {
	c := qt.New(t)
	q := NewQueue(8)
	q.Start(context.Background())
	q.Stop()

	var ran atomic.Bool
	q.Enqueue("late", func(context.Context) { ran.Store(true) })
	c.Assert(ran.Load(), qt.IsTrue)
}
