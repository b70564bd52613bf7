package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maloquacious/goobstore/internal/logger"
)

func TestSerialFIFO(t *testing.T) {
	s := NewSerial("test", logger.Discard())

	var (
		mu  sync.Mutex
		got []int
	)
	for i := range 100 {
		require.True(t, s.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	s.Close()
	require.NoError(t, s.Wait(context.Background()))

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestSerialOneAtATime(t *testing.T) {
	s := NewSerial("test", logger.Discard())

	var running, peak atomic.Int32
	for range 50 {
		s.Execute(func() {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		})
	}
	s.Close()
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, int32(1), peak.Load())
}

func TestSerialCloseDrains(t *testing.T) {
	s := NewSerial("test", logger.Discard())

	block := make(chan struct{})
	var ran atomic.Int32
	s.Submit(func() { <-block })
	for range 10 {
		s.Submit(func() { ran.Add(1) })
	}

	s.Close()
	s.Close()
	assert.False(t, s.Submit(func() { ran.Add(100) }), "closed executor rejects tasks")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	close(block)
	<-s.Done()
	assert.Equal(t, int32(10), ran.Load())
	assert.Equal(t, 0, s.Len())
}

func TestSerialRecoversPanics(t *testing.T) {
	s := NewSerial("test", nil)

	done := make(chan struct{})
	s.Submit(func() { panic("boom") })
	s.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task after a panic did not run")
	}
	s.Close()
	require.NoError(t, s.Wait(context.Background()))
}

func TestFuncExecutors(t *testing.T) {
	ran := false
	Inline.Execute(func() { ran = true })
	assert.True(t, ran)

	done := make(chan struct{})
	Goroutine.Execute(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine executor did not run the task")
	}
}
