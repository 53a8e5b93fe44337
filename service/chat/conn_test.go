package chat

import (
	"sync"
	"testing"
	"time"
)

// Snapshot must never hang when the connection is torn down while
// callers are racing their tasks onto the loop. Either the task runs
// or the enqueue is refused; a silently dropped task would park the
// caller forever.
func TestSnapshotNeverHangsDuringClose(t *testing.T) {
	for i := 0; i < 200; i++ {
		c := newConn(&fakeSocket{})

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					_, _ = c.Snapshot()
				}
			}()
		}
		go c.Close()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("snapshot callers stuck after close, iteration %d", i)
		}
	}
}

func TestRunOnLoopRefusedAfterClose(t *testing.T) {
	c := newConn(&fakeSocket{})
	c.Close()

	// loop drain races the close; once it settles every enqueue fails
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := c.RunOnLoop(func() {})
		if err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("RunOnLoop still accepting tasks after close")
		}
		time.Sleep(time.Millisecond)
	}
	if !c.IsClosed() {
		t.Fatalf("IsClosed() = false after Close")
	}
}
