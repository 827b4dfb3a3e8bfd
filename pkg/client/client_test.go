package client_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/memoryx/memoryx/pkg/client"
	"github.com/memoryx/memoryx/pkg/memory"
)

// stubServer records ingestion requests and can be switched into a failure
// mode to exercise retry and dead-letter behavior.
type stubServer struct {
	*httptest.Server

	mu            sync.Mutex
	failing       bool
	memoryBodies  []map[string]any
	batchBodies   []map[string]any
	conversations []map[string]any
}

func newStubServer() *stubServer {
	s := &stubServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/memories", s.record(&s.memoryBodies))
	mux.HandleFunc("/v1/memories/batch", s.record(&s.batchBodies))
	mux.HandleFunc("/v1/conversations/flush", s.record(&s.conversations))

	s.Server = httptest.NewServer(mux)
	return s
}

func (s *stubServer) record(into *[]map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.failing {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"unavailable"}`))
			return
		}

		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		*into = append(*into, body)

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"task_id":"task-1","status":"PENDING"}`))
	}
}

func (s *stubServer) setFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

func (s *stubServer) memoryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.memoryBodies) + len(s.batchBodies)
}

func (s *stubServer) conversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

func (s *stubServer) lastConversation() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conversations) == 0 {
		return nil
	}
	return s.conversations[len(s.conversations)-1]
}

var _ = Describe("Client", func() {
	var (
		server     *stubServer
		outboxPath string
	)

	BeforeEach(func() {
		server = newStubServer()
		outboxPath = filepath.Join(GinkgoT().TempDir(), "outbox.db")
	})

	AfterEach(func() {
		server.Close()
	})

	newClient := func(triggers client.Triggers) *client.Client {
		c, err := client.New(client.Config{
			API:         client.NewAPIClient(server.URL, "mx-test"),
			OutboxPath:  outboxPath,
			Triggers:    triggers,
			MaxRetry:    2,
			BackoffBase: time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	Describe("round counting", func() {
		It("counts only completed user-assistant pairs in insertion order", func() {
			c := newClient(client.Triggers{})
			defer c.Close()

			// user, user, assistant completes one round; the repeated
			// user message must not start a second one.
			_, err := c.AddMessage(memory.RoleUser, "first question")
			Expect(err).NotTo(HaveOccurred())
			_, err = c.AddMessage(memory.RoleUser, "rephrased question")
			Expect(err).NotTo(HaveOccurred())
			_, err = c.AddMessage(memory.RoleAssistant, "answer")
			Expect(err).NotTo(HaveOccurred())

			stats, err := c.GetQueueStats()
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Rounds).To(Equal(1))
			Expect(stats.MessageCount).To(Equal(3))

			// A repeated assistant message does not advance the count.
			_, err = c.AddMessage(memory.RoleAssistant, "more detail")
			Expect(err).NotTo(HaveOccurred())

			stats, err = c.GetQueueStats()
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Rounds).To(Equal(1))

			// A fresh pair completes the second round.
			_, err = c.AddMessage(memory.RoleUser, "next question")
			Expect(err).NotTo(HaveOccurred())
			_, err = c.AddMessage(memory.RoleAssistant, "next answer")
			Expect(err).NotTo(HaveOccurred())

			stats, err = c.GetQueueStats()
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Rounds).To(Equal(2))
		})

		It("rejects unknown roles", func() {
			c := newClient(client.Triggers{})
			defer c.Close()

			_, err := c.AddMessage("system", "not allowed")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("batch-size trigger", func() {
		It("does not flush below the threshold and flushes on crossing it", func() {
			c := newClient(client.Triggers{BatchSize: 3})
			defer c.Close()

			_, err := c.AddMemory("memory one", nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = c.AddMemory("memory two", nil)
			Expect(err).NotTo(HaveOccurred())

			// batch-size − 1 items: no flush.
			Consistently(server.memoryCount, "300ms", "50ms").Should(Equal(0))

			_, err = c.AddMemory("memory three", nil)
			Expect(err).NotTo(HaveOccurred())

			Eventually(server.memoryCount, "3s", "20ms").Should(BeNumerically(">", 0))
		})
	})

	Describe("token-budget trigger", func() {
		It("fires on the first message that crosses the budget", func() {
			c := newClient(client.Triggers{MaxTokens: 20})
			defer c.Close()

			_, err := c.AddMessage(memory.RoleUser, "short")
			Expect(err).NotTo(HaveOccurred())
			Consistently(server.conversationCount, "300ms", "50ms").Should(Equal(0))

			// Long enough that the char/4 fallback estimate crosses 20.
			_, err = c.AddMessage(memory.RoleAssistant, strings.Repeat("token budget filler ", 10))
			Expect(err).NotTo(HaveOccurred())

			Eventually(server.conversationCount, "3s", "20ms").Should(Equal(1))
		})
	})

	Describe("custom trigger", func() {
		It("flushes when the injected predicate fires", func() {
			c := newClient(client.Triggers{
				Custom: func(stats client.QueueStats) bool {
					return stats.MessageCount >= 2
				},
			})
			defer c.Close()

			_, err := c.AddMessage(memory.RoleUser, "one")
			Expect(err).NotTo(HaveOccurred())
			Consistently(server.conversationCount, "200ms", "50ms").Should(Equal(0))

			_, err = c.AddMessage(memory.RoleAssistant, "two")
			Expect(err).NotTo(HaveOccurred())
			Eventually(server.conversationCount, "3s", "20ms").Should(Equal(1))
		})
	})

	Describe("conversation delivery", func() {
		It("preserves message order within a segment", func() {
			c := newClient(client.Triggers{})
			defer c.Close()

			contents := []string{"alpha", "beta", "gamma", "delta"}
			roles := []string{memory.RoleUser, memory.RoleAssistant, memory.RoleUser, memory.RoleAssistant}
			for i := range contents {
				_, err := c.AddMessage(roles[i], contents[i])
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(c.Flush()).To(Succeed())
			Eventually(server.conversationCount, "2s", "20ms").Should(Equal(1))

			body := server.lastConversation()
			messages := body["messages"].([]any)
			Expect(messages).To(HaveLen(4))
			for i, raw := range messages {
				msg := raw.(map[string]any)
				Expect(msg["content"]).To(Equal(contents[i]))
				Expect(msg["role"]).To(Equal(roles[i]))
			}
		})

		It("seals the active segment and keeps it queued", func() {
			c := newClient(client.Triggers{})
			defer c.Close()

			_, err := c.AddMessage(memory.RoleUser, "before seal")
			Expect(err).NotTo(HaveOccurred())

			statsBefore, err := c.GetQueueStats()
			Expect(err).NotTo(HaveOccurred())

			Expect(c.StartNewConversation()).To(Succeed())

			statsAfter, err := c.GetQueueStats()
			Expect(err).NotTo(HaveOccurred())
			Expect(statsAfter.ConversationID).NotTo(Equal(statsBefore.ConversationID))
			Expect(statsAfter.MessageCount).To(Equal(0))

			// The sealed segment still delivers on flush.
			Expect(c.Flush()).To(Succeed())
			Eventually(server.conversationCount, "2s", "20ms").Should(Equal(1))
			Expect(server.lastConversation()["conversation_id"]).To(Equal(statsBefore.ConversationID))
		})
	})

	Describe("retry and dead-letter", func() {
		It("moves an item to dead-letter on the failure after MAX_RETRY is reached", func() {
			server.setFailing(true)

			c := newClient(client.Triggers{})
			defer c.Close()

			_, err := c.AddMemory("doomed memory", nil)
			Expect(err).NotTo(HaveOccurred())

			outbox, err := client.OpenOutbox(outboxPath)
			Expect(err).NotTo(HaveOccurred())
			defer outbox.Close()

			// MaxRetry is 2: the first two failures keep the item
			// queued with a bumped counter; the third moves it.
			for i := 0; i < 2; i++ {
				Expect(c.Flush()).To(HaveOccurred())
				time.Sleep(20 * time.Millisecond)

				pending, err := outbox.PendingMemories(nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(pending).To(HaveLen(1))
				Expect(pending[0].RetryCount).To(Equal(i + 1))
			}

			Expect(c.Flush()).To(HaveOccurred())

			pending, err := outbox.PendingMemories(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())

			letters, err := outbox.DeadLetters()
			Expect(err).NotTo(HaveOccurred())
			Expect(letters).To(HaveLen(1))
			Expect(letters[0].Kind).To(Equal("memory"))
			Expect(letters[0].LastError).NotTo(BeEmpty())
			Expect(letters[0].Payload).To(ContainSubstring("doomed memory"))
		})
	})

	Describe("durability across restarts", func() {
		It("keeps queued items through close/reopen and delivers them once the server recovers", func() {
			server.setFailing(true)

			c := newClient(client.Triggers{})
			for _, content := range []string{"one", "two", "three"} {
				_, err := c.AddMemory(content, nil)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(c.Flush()).To(HaveOccurred())
			Expect(c.Close()).To(Succeed())

			// A new client over the same outbox sees all three items.
			server.setFailing(false)
			c2 := newClient(client.Triggers{})
			defer c2.Close()

			outbox, err := client.OpenOutbox(outboxPath)
			Expect(err).NotTo(HaveOccurred())
			defer outbox.Close()

			pending, err := outbox.PendingMemories(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(3))

			Eventually(func() (int, error) {
				// Items may still be inside their backoff window on
				// the first passes.
				c2.Flush()
				remaining, err := outbox.PendingMemories(nil)
				return len(remaining), err
			}, "3s", "50ms").Should(Equal(0))
			Expect(server.memoryCount()).To(BeNumerically(">", 0))
		})
	})
})
