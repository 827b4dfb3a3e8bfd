package community_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/community"
	"github.com/memoryx/memoryx/pkg/graph/inmemory"
	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/storage"
	"github.com/memoryx/memoryx/pkg/storage/sqlite"
	testutils "github.com/memoryx/memoryx/pkg/utils/test"
)

var _ = Describe("Propagate", func() {
	entity := func(id string) memory.Entity {
		return memory.Entity{ID: id, Name: id}
	}
	relation := func(source, target string, weight float64) memory.Relation {
		return memory.Relation{SourceID: source, TargetID: target, Predicate: "rel", Weight: weight}
	}

	It("groups densely connected entities and separates disconnected ones", func() {
		entities := []memory.Entity{
			entity("a"), entity("b"), entity("c"),
			entity("x"), entity("y"),
		}
		relations := []memory.Relation{
			relation("a", "b", 3),
			relation("b", "c", 3),
			relation("x", "y", 2),
		}

		labels := community.Propagate(entities, relations)

		Expect(labels["a"]).To(Equal(labels["b"]))
		Expect(labels["b"]).To(Equal(labels["c"]))
		Expect(labels["x"]).To(Equal(labels["y"]))
		Expect(labels["a"]).NotTo(Equal(labels["x"]))
	})

	It("terminates on cyclic graphs", func() {
		entities := []memory.Entity{entity("a"), entity("b"), entity("c")}
		relations := []memory.Relation{
			relation("a", "b", 1),
			relation("b", "c", 1),
			relation("c", "a", 1),
		}

		done := make(chan map[string]string, 1)
		go func() {
			done <- community.Propagate(entities, relations)
		}()

		var labels map[string]string
		Eventually(done, time.Second).Should(Receive(&labels))
		Expect(labels["a"]).To(Equal(labels["b"]))
		Expect(labels["b"]).To(Equal(labels["c"]))
	})

	It("leaves isolated entities in their own community", func() {
		labels := community.Propagate([]memory.Entity{entity("lonely")}, nil)
		Expect(labels["lonely"]).To(Equal("lonely"))
	})
})

var _ = Describe("Job", func() {
	It("assigns communities, saves summaries, and recomputes centrality", func() {
		ctx := context.Background()
		owner := memory.Owner{UserID: "user-1", ProjectID: "default"}

		store, err := sqlite.NewDriver(":memory:")
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()

		// The job iterates owners that have memory rows.
		Expect(store.InsertMemory(ctx, storage.MemoryRecord{
			ID: "m1", Owner: owner, Content: "seed", Category: memory.CategoryFact,
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(), Version: 1,
		})).To(Succeed())

		entities := inmemory.NewDriver()
		a, err := entities.UpsertEntity(ctx, owner, "Zhang San", "person", nil)
		Expect(err).NotTo(HaveOccurred())
		b, err := entities.UpsertEntity(ctx, owner, "Huawei", "organization", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(entities.BumpRelation(ctx, owner, a.ID, b.ID, "works_at", 3)).To(Succeed())

		mockLLM := testutils.NewMockLLM()
		mockLLM.Default = "People and employers."

		job := community.NewJob(entities, store, mockLLM, zap.NewNop())
		Expect(job.Run(ctx)).To(Succeed())

		refreshed, err := entities.GetEntityByName(ctx, owner, "Zhang San")
		Expect(err).NotTo(HaveOccurred())
		Expect(refreshed.CommunityID).NotTo(BeEmpty())
		Expect(refreshed.Centrality).To(Equal(1.0))

		communities, err := entities.GetCommunities(ctx, owner, []string{refreshed.CommunityID})
		Expect(err).NotTo(HaveOccurred())
		Expect(communities).To(HaveLen(1))
		Expect(communities[0].Summary).To(Equal("People and employers."))
		Expect(communities[0].Size).To(Equal(2))
	})
})
