package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/api"
	"github.com/memoryx/memoryx/pkg/aggregator"
	"github.com/memoryx/memoryx/pkg/config"
	"github.com/memoryx/memoryx/pkg/extraction"
	"github.com/memoryx/memoryx/pkg/graph/inmemory"
	"github.com/memoryx/memoryx/pkg/ingest"
	"github.com/memoryx/memoryx/pkg/reconciler"
	"github.com/memoryx/memoryx/pkg/retriever"
	"github.com/memoryx/memoryx/pkg/storage/sqlite"
	queuesqlite "github.com/memoryx/memoryx/pkg/taskqueue/sqlite"
	testutils "github.com/memoryx/memoryx/pkg/utils/test"
)

const extractionJSON = `{"facts": [{"text": "Zhang San works at Huawei", "category": "fact", "confidence": 0.9, "entities": [{"name": "Zhang San", "type": "person"}, {"name": "Huawei", "type": "organization"}]}]}`

var _ = Describe("Server", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		server   *api.Server
		store    *sqlite.Driver
		queue    *queuesqlite.Queue
		mockLLM  *testutils.MockLLM
		embedder *testutils.MockEmbedder
		apiKey   string
	)

	request := func(method, path string, body any) *http.Response {
		var reader io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(encoded)
		}

		req, err := http.NewRequest(method, path, reader)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("X-API-Key", apiKey)
		}

		resp, err := server.App().Test(req, -1)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, into any) {
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(data, into)).To(Succeed(), string(data))
	}

	register := func() {
		resp := request(http.MethodPost, "/agents/auto-register", map[string]any{
			"machine_fingerprint": strings.Repeat("ab", 16),
			"agent_type":          "test_agent",
			"agent_name":          "suite",
			"platform":            "linux",
			"platform_version":    "test",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var reg api.AutoRegisterResponse
		decode(resp, &reg)
		Expect(reg.APIKey).To(HavePrefix("mx-"))
		apiKey = reg.APIKey
	}

	waitForTask := func(taskID string) api.TaskStatusResponse {
		var status api.TaskStatusResponse
		Eventually(func() string {
			resp := request(http.MethodGet, "/v1/memories/task/"+taskID, nil)
			decode(resp, &status)
			return status.Status
		}, "5s", "50ms").Should(BeElementOf("SUCCESS", "PARTIAL", "FAILURE"))
		return status
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		apiKey = ""

		var err error
		store, err = sqlite.NewDriver(":memory:")
		Expect(err).NotTo(HaveOccurred())
		queue, err = queuesqlite.NewQueue(":memory:")
		Expect(err).NotTo(HaveOccurred())

		entities := inmemory.NewDriver()
		vectors := testutils.NewMockVectorDriver()
		embedder = testutils.NewMockEmbedder()
		mockLLM = testutils.NewMockLLM()
		mockLLM.Default = extractionJSON

		logger := zap.NewNop()
		extractor := extraction.NewExtractor(mockLLM, logger)
		judge := extraction.NewJudge(mockLLM, 0.80, 0.95, logger)

		rec := reconciler.New(reconciler.Config{
			Store: store, Vectors: vectors, Graph: entities,
			Embedder: embedder, Extractor: extractor, Judge: judge,
			Logger: logger,
		})

		agg := aggregator.New(aggregator.Config{
			LLM: mockLLM, Extractor: extractor,
			Filter: extraction.NewFilter(nil), Logger: logger,
		})

		worker := ingest.New(ingest.Config{
			Queue: queue, Store: store, Aggregator: agg, Reconciler: rec,
			Deadline: 10 * time.Second, Workers: 1, Logger: logger,
		})
		go worker.Run(ctx)

		ret := retriever.New(retriever.Config{
			Store: store, Vectors: vectors, Graph: entities,
			Embedder: embedder, Extractor: extractor,
			Retrieval: config.NewDefaultConfig().Retrieval,
			Logger:    logger,
		})

		server = api.NewServer(api.Config{
			ListenAddr: ":0",
			SecretKey:  "test-secret",
		}, api.Deps{
			Store: store, Queue: queue, Retriever: ret, Reconciler: rec,
		}, logger)

		register()
	})

	AfterEach(func() {
		cancel()
		queue.Close()
		store.Close()
	})

	Describe("auth", func() {
		It("rejects requests without an API key", func() {
			apiKey = ""
			resp := request(http.MethodGet, "/v1/quota", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("rejects unknown API keys", func() {
			apiKey = "mx-bogus"
			resp := request(http.MethodGet, "/v1/quota", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("keeps the agent identity on re-registration", func() {
			var first api.AutoRegisterResponse
			resp := request(http.MethodPost, "/agents/auto-register", map[string]any{
				"machine_fingerprint": strings.Repeat("ab", 16),
				"agent_type":          "test_agent",
			})
			decode(resp, &first)

			var second api.AutoRegisterResponse
			resp = request(http.MethodPost, "/agents/auto-register", map[string]any{
				"machine_fingerprint": strings.Repeat("ab", 16),
				"agent_type":          "test_agent",
			})
			decode(resp, &second)

			Expect(second.AgentID).To(Equal(first.AgentID))
			Expect(second.APIKey).NotTo(Equal(first.APIKey))
		})
	})

	Describe("memory ingestion", func() {
		It("accepts a write, processes it, and lists the stored memory", func() {
			var ack api.TaskResponse
			resp := request(http.MethodPost, "/v1/memories", map[string]any{
				"content": "I work at Huawei as a senior engineer",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			decode(resp, &ack)
			Expect(ack.Status).To(Equal("PENDING"))

			status := waitForTask(ack.TaskID)
			Expect(status.Status).To(Equal("SUCCESS"))

			var result ingest.Result
			Expect(json.Unmarshal(status.Result, &result)).To(Succeed())
			Expect(result.Added).To(Equal(1))

			var list api.ListResponse
			decode(request(http.MethodGet, "/v1/memories/list", nil), &list)
			Expect(list.Total).To(Equal(1))
			Expect(list.Data[0].Content).To(Equal("Zhang San works at Huawei"))
			Expect(list.Data[0].Version).To(Equal(1))
		})

		It("rejects an empty body as a client fault without creating a task", func() {
			resp := request(http.MethodPost, "/v1/memories", map[string]any{})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("conversation flush idempotency", func() {
		flushBody := func() map[string]any {
			return map[string]any{
				"conversation_id": "conv-0001",
				"messages": []map[string]any{
					{"role": "user", "content": "I work at Huawei", "tokens": 5},
					{"role": "assistant", "content": "Noted.", "tokens": 2},
				},
			}
		}

		It("returns the same task id for a resubmitted segment and stores no duplicates", func() {
			var first api.ConversationFlushResponse
			resp := request(http.MethodPost, "/v1/conversations/flush", flushBody())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			decode(resp, &first)
			Expect(first.ExtractedCount).To(Equal(2))

			waitForTask(first.TaskID)

			var second api.ConversationFlushResponse
			resp = request(http.MethodPost, "/v1/conversations/flush", flushBody())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			decode(resp, &second)
			Expect(second.TaskID).To(Equal(first.TaskID))

			// Give a would-be duplicate time to land before checking.
			Consistently(func() int {
				var list api.ListResponse
				decode(request(http.MethodGet, "/v1/memories/list", nil), &list)
				return list.Total
			}, "500ms", "100ms").Should(Equal(1))
		})

		It("rejects non-conversation roles", func() {
			body := flushBody()
			body["messages"] = []map[string]any{{"role": "system", "content": "x"}}
			resp := request(http.MethodPost, "/v1/conversations/flush", body)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("search", func() {
		It("returns ranked data and the remaining quota", func() {
			var ack api.TaskResponse
			decode(request(http.MethodPost, "/v1/memories", map[string]any{
				"content": "I work at Huawei",
			}), &ack)
			waitForTask(ack.TaskID)

			var result api.SearchResponse
			resp := request(http.MethodPost, "/v1/memories/search", map[string]any{
				"query": "Zhang San job",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			decode(resp, &result)

			Expect(result.Data).To(HaveLen(1))
			Expect(result.Data[0].Content).To(Equal("Zhang San works at Huawei"))
			Expect(result.RemainingQuota).To(Equal(99))
		})
	})

	Describe("delete", func() {
		It("soft-deletes a stored memory", func() {
			var ack api.TaskResponse
			decode(request(http.MethodPost, "/v1/memories", map[string]any{
				"content": "I work at Huawei",
			}), &ack)
			waitForTask(ack.TaskID)

			var list api.ListResponse
			decode(request(http.MethodGet, "/v1/memories/list", nil), &list)
			Expect(list.Total).To(Equal(1))

			var deleted map[string]any
			resp := request(http.MethodDelete, "/v1/memories/"+list.Data[0].ID, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			decode(resp, &deleted)
			Expect(deleted["success"]).To(Equal(true))

			decode(request(http.MethodGet, "/v1/memories/list", nil), &list)
			Expect(list.Total).To(Equal(0))
		})

		It("returns 404 for an unknown memory id", func() {
			resp := request(http.MethodDelete, "/v1/memories/no-such-id", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("quota endpoint", func() {
		It("reports tier, memory usage, and search usage", func() {
			var quota api.QuotaResponse
			decode(request(http.MethodGet, "/v1/quota", nil), &quota)

			Expect(quota.Tier).To(Equal("free"))
			Expect(quota.Searches.Limit).To(Equal(100))
			Expect(quota.Memories.Limit).To(BeNumerically(">", 0))
			Expect(quota.Searches.ResetsAt).NotTo(BeEmpty())
		})
	})

	It("answers ping without auth", func() {
		resp := request(http.MethodGet, "/ping", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})

var _ = Describe("API keys", func() {
	It("hashes deterministically per secret", func() {
		h1 := api.HashAPIKey("secret", "mx-abc")
		h2 := api.HashAPIKey("secret", "mx-abc")
		h3 := api.HashAPIKey("other", "mx-abc")
		Expect(h1).To(Equal(h2))
		Expect(h1).NotTo(Equal(h3))
	})

	It("mints unique prefixed keys", func() {
		k1, err := api.NewAPIKey()
		Expect(err).NotTo(HaveOccurred())
		k2, err := api.NewAPIKey()
		Expect(err).NotTo(HaveOccurred())
		Expect(k1).To(HavePrefix("mx-"))
		Expect(k1).NotTo(Equal(k2))
	})
})
