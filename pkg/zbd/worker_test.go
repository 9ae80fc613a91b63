package zbd

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackgroundWorkerRunsJobsInOrder(t *testing.T) {
	w := NewBackgroundWorker()

	var mu sync.Mutex
	var got []int

	for i := 0; i < 100; i++ {
		i := i
		w.SubmitJob(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	w.Close()

	assert.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestBackgroundWorkerCloseDrainsQueue(t *testing.T) {
	w := NewBackgroundWorker()

	block := make(chan struct{})
	var mu sync.Mutex
	ran := 0

	// First job parks the worker so the rest stay queued until Close.
	w.SubmitJob(func() { <-block })
	for i := 0; i < 10; i++ {
		w.SubmitJob(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}

	close(block)
	w.Close()

	assert.Equal(t, 10, ran)
}

func TestBackgroundWorkerJobSubmittedDuringJob(t *testing.T) {
	w := NewBackgroundWorker()

	done := make(chan struct{})
	w.SubmitJob(func() {
		w.SubmitJob(func() { close(done) })
	})

	w.Close()

	select {
	case <-done:
	default:
		t.Fatal("job submitted from a running job was never executed")
	}
}
