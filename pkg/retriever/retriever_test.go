package retriever_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/config"
	"github.com/memoryx/memoryx/pkg/extraction"
	"github.com/memoryx/memoryx/pkg/graph/inmemory"
	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/retriever"
	"github.com/memoryx/memoryx/pkg/storage"
	"github.com/memoryx/memoryx/pkg/storage/sqlite"
	testutils "github.com/memoryx/memoryx/pkg/utils/test"
	"github.com/memoryx/memoryx/pkg/vector"
)

var _ = Describe("Retriever", func() {
	var (
		ctx      context.Context
		owner    memory.Owner
		store    *sqlite.Driver
		vectors  *testutils.MockVectorDriver
		entities *inmemory.Driver
		embedder *testutils.MockEmbedder
		mockLLM  *testutils.MockLLM
		search   *retriever.Retriever
	)

	seedMemory := func(id, content string, category memory.Category, vec []float32, updatedAt time.Time, entityNames ...string) {
		Expect(store.InsertMemory(ctx, storage.MemoryRecord{
			ID:        id,
			Owner:     owner,
			Content:   content,
			Category:  category,
			CreatedAt: updatedAt,
			UpdatedAt: updatedAt,
			Version:   1,
		})).To(Succeed())

		Expect(vectors.Upsert(ctx, []vector.Point{{
			ID: id, Vector: vec, Owner: owner, Category: category,
		}})).To(Succeed())

		ids := make([]string, 0, len(entityNames))
		for _, name := range entityNames {
			e, err := entities.UpsertEntity(ctx, owner, name, "concept", nil)
			Expect(err).NotTo(HaveOccurred())
			ids = append(ids, e.ID)
		}
		if len(ids) > 0 {
			Expect(entities.LinkMemory(ctx, owner, id, ids)).To(Succeed())
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		owner = memory.Owner{UserID: "user-1", ProjectID: "default"}

		var err error
		store, err = sqlite.NewDriver(":memory:")
		Expect(err).NotTo(HaveOccurred())

		vectors = testutils.NewMockVectorDriver()
		entities = inmemory.NewDriver()
		embedder = testutils.NewMockEmbedder()
		mockLLM = testutils.NewMockLLM()
		mockLLM.Default = `{"entities": []}`

		logger := zap.NewNop()
		search = retriever.New(retriever.Config{
			Store:     store,
			Vectors:   vectors,
			Graph:     entities,
			Embedder:  embedder,
			Extractor: extraction.NewExtractor(mockLLM, logger),
			Retrieval: config.NewDefaultConfig().Retrieval,
			Logger:    logger,
		})
	})

	AfterEach(func() {
		store.Close()
	})

	Describe("vector recall", func() {
		It("ranks the closest memory first", func() {
			now := time.Now().UTC()
			seedMemory("mem-near", "Zhang San works at Huawei", memory.CategoryFact, []float32{1, 0, 0}, now, "Zhang San")
			seedMemory("mem-far", "The weather is nice today", memory.CategoryFact, []float32{0, 0, 1}, now, "weather")

			embedder.Embeddings["Zhang San job"] = []float32{0.95, 0.3, 0}

			result, err := search.Search(ctx, storage.TierFree, retriever.Request{
				Owner: owner,
				Query: "Zhang San job",
				Limit: 5,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Data).NotTo(BeEmpty())
			Expect(result.Data[0].ID).To(Equal("mem-near"))
			Expect(result.Data[0].Score).To(BeNumerically(">", 0))
		})

		It("filters tombstoned memories post-rank", func() {
			now := time.Now().UTC()
			seedMemory("mem-live", "Zhang San lives in Shanghai", memory.CategoryFact, []float32{1, 0, 0}, now, "Zhang San")
			seedMemory("mem-dead", "Zhang San lives in Beijing", memory.CategoryFact, []float32{0.99, 0.1, 0}, now, "Zhang San")
			Expect(store.TombstoneMemory(ctx, owner, "mem-dead")).To(Succeed())

			embedder.Embeddings["where does Zhang San live"] = []float32{1, 0, 0}

			result, err := search.Search(ctx, storage.TierFree, retriever.Request{
				Owner: owner,
				Query: "where does Zhang San live",
			})
			Expect(err).NotTo(HaveOccurred())
			ids := make([]string, 0, len(result.Data))
			for _, item := range result.Data {
				ids = append(ids, item.ID)
			}
			Expect(ids).To(ConsistOf("mem-live"))
		})

		It("skips vector entries whose relational row is missing", func() {
			now := time.Now().UTC()
			seedMemory("mem-ok", "A stored fact about Go", memory.CategoryFact, []float32{1, 0, 0}, now, "Go")

			// Inconsistency window: a vector with no relational row.
			Expect(vectors.Upsert(ctx, []vector.Point{{
				ID: "ghost", Vector: []float32{0.9, 0.1, 0}, Owner: owner, Category: memory.CategoryFact,
			}})).To(Succeed())

			embedder.Embeddings["tell me about Go"] = []float32{1, 0, 0}

			result, err := search.Search(ctx, storage.TierFree, retriever.Request{
				Owner: owner,
				Query: "tell me about Go",
			})
			Expect(err).NotTo(HaveOccurred())
			for _, item := range result.Data {
				Expect(item.ID).NotTo(Equal("ghost"))
			}
		})

		It("prefers recently updated memories when similarity ties", func() {
			old := time.Now().UTC().Add(-60 * 24 * time.Hour)
			fresh := time.Now().UTC()
			seedMemory("mem-old", "Zhang San used to play tennis", memory.CategoryFact, []float32{1, 0, 0}, old, "Zhang San")
			seedMemory("mem-new", "Zhang San plays badminton", memory.CategoryFact, []float32{1, 0, 0}, fresh, "Zhang San")

			embedder.Embeddings["Zhang San sports"] = []float32{1, 0, 0}

			result, err := search.Search(ctx, storage.TierFree, retriever.Request{
				Owner: owner,
				Query: "Zhang San sports",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Data).To(HaveLen(2))
			Expect(result.Data[0].ID).To(Equal("mem-new"))
		})
	})

	Describe("graph expansion", func() {
		It("surfaces graph-adjacent memories in related_memories", func() {
			now := time.Now().UTC()
			seedMemory("mem-direct", "Zhang San works at Huawei", memory.CategoryFact, []float32{1, 0, 0}, now, "Zhang San")
			seedMemory("mem-adjacent", "Huawei headquarters are in Shenzhen", memory.CategoryPlan, []float32{0, 1, 0}, now, "Huawei HQ")

			zhangSan, err := entities.GetEntityByName(ctx, owner, "Zhang San")
			Expect(err).NotTo(HaveOccurred())
			hq, err := entities.GetEntityByName(ctx, owner, "Huawei HQ")
			Expect(err).NotTo(HaveOccurred())
			Expect(entities.BumpRelation(ctx, owner, zhangSan.ID, hq.ID, "works_at", 2)).To(Succeed())

			embedder.Embeddings["Zhang San employer"] = []float32{1, 0, 0}
			mockLLM.Responses["Zhang San employer"] = `{"entities": [{"name": "Zhang San", "type": "person"}]}`

			// The category filter keeps mem-adjacent out of direct
			// recall, so only the graph can reach it.
			result, err := search.Search(ctx, storage.TierFree, retriever.Request{
				Owner:    owner,
				Query:    "Zhang San employer",
				Category: memory.CategoryFact,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(result.Data).To(HaveLen(1))
			Expect(result.Data[0].ID).To(Equal("mem-direct"))

			Expect(result.RelatedMems).To(HaveLen(1))
			Expect(result.RelatedMems[0].ID).To(Equal("mem-adjacent"))
			Expect(result.RelatedMems[0].Score).To(BeNumerically("<", result.Data[0].Score))
		})
	})

	Describe("quota", func() {
		It("consumes one unit per accepted search and rejects past the daily limit", func() {
			now := time.Now().UTC()
			seedMemory("mem-1", "quota consumer memory", memory.CategoryFact, []float32{1, 0, 0}, now, "quota")
			embedder.Embeddings["quota consumer"] = []float32{1, 0, 0}

			limit, _ := storage.TierLimits(storage.TierFree)
			var last retriever.Response
			for i := 0; i < limit; i++ {
				var err error
				last, err = search.Search(ctx, storage.TierFree, retriever.Request{
					Owner: owner,
					Query: "quota consumer",
				})
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(last.RemainingQuota).To(Equal(0))

			_, err := search.Search(ctx, storage.TierFree, retriever.Request{
				Owner: owner,
				Query: "quota consumer",
			})
			Expect(err).To(MatchError(retriever.ErrQuotaExceeded))

			// The failing call consumed nothing.
			usage, err := store.GetQuota(ctx, owner.UserID, storage.TierFree)
			Expect(err).NotTo(HaveOccurred())
			Expect(usage.SearchesUsed).To(Equal(limit))
		})

		It("returns empty without charging for queries shorter than two characters", func() {
			result, err := search.Search(ctx, storage.TierFree, retriever.Request{
				Owner: owner,
				Query: "a",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Data).To(BeEmpty())

			usage, err := store.GetQuota(ctx, owner.UserID, storage.TierFree)
			Expect(err).NotTo(HaveOccurred())
			Expect(usage.SearchesUsed).To(Equal(0))
		})
	})
})
