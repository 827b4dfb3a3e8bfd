package sqlite_test

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/taskqueue"
	"github.com/memoryx/memoryx/pkg/taskqueue/sqlite"
)

var _ = Describe("Queue", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		queue  *sqlite.Queue
	)

	owner := memory.Owner{UserID: "user-1", ProjectID: "default"}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())

		var err error
		queue, err = sqlite.NewQueue(":memory:")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		cancel()
		queue.Close()
	})

	enqueue := func(id string) {
		Expect(queue.Enqueue(ctx, taskqueue.Task{
			ID:    id,
			Kind:  taskqueue.KindMemory,
			Owner: owner,
		})).To(Succeed())
	}

	It("delivers tasks for one owner in enqueue order", func() {
		for _, id := range []string{"t1", "t2", "t3"} {
			enqueue(id)
		}

		var mu sync.Mutex
		var seen []string
		done := make(chan struct{})

		go queue.Consume(ctx, func(_ context.Context, task taskqueue.Task) error {
			mu.Lock()
			seen = append(seen, task.ID)
			finished := len(seen) == 3
			mu.Unlock()
			if finished {
				close(done)
			}
			return nil
		})

		Eventually(done, "5s").Should(BeClosed())
		mu.Lock()
		defer mu.Unlock()
		Expect(seen).To(Equal([]string{"t1", "t2", "t3"}))
	})

	It("redelivers a task whose handler failed", func() {
		enqueue("flaky")

		var mu sync.Mutex
		attempts := 0
		done := make(chan struct{})

		go queue.Consume(ctx, func(_ context.Context, task taskqueue.Task) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return errors.New("transient failure")
			}
			if attempts == 2 {
				close(done)
			}
			return nil
		})

		Eventually(done, "5s").Should(BeClosed())
	})

	It("rejects enqueues after close", func() {
		q, err := sqlite.NewQueue(":memory:")
		Expect(err).NotTo(HaveOccurred())
		Expect(q.Close()).To(Succeed())

		err = q.Enqueue(context.Background(), taskqueue.Task{ID: "late", Owner: owner})
		Expect(err).To(MatchError(taskqueue.ErrClosed))
	})
})
