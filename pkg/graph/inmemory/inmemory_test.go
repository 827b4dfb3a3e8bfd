package inmemory_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/memoryx/memoryx/pkg/graph"
	"github.com/memoryx/memoryx/pkg/graph/inmemory"
	"github.com/memoryx/memoryx/pkg/memory"
)

var _ = Describe("Driver", func() {
	var (
		ctx    context.Context
		driver *inmemory.Driver
		owner  memory.Owner
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()
		owner = memory.Owner{UserID: "user-1", ProjectID: "default"}
	})

	Describe("entity resolution", func() {
		It("deduplicates by canonical name within a partition", func() {
			first, err := driver.UpsertEntity(ctx, owner, "Zhang San", "person", nil)
			Expect(err).NotTo(HaveOccurred())

			second, err := driver.UpsertEntity(ctx, owner, "  zhang san ", "", []string{"Mr. Zhang"})
			Expect(err).NotTo(HaveOccurred())
			Expect(second.ID).To(Equal(first.ID))
			Expect(second.Type).To(Equal("person"))
			Expect(second.Aliases).To(ContainElement("Mr. Zhang"))
		})

		It("keeps partitions isolated", func() {
			other := memory.Owner{UserID: "user-2", ProjectID: "default"}

			mine, err := driver.UpsertEntity(ctx, owner, "Huawei", "organization", nil)
			Expect(err).NotTo(HaveOccurred())
			theirs, err := driver.UpsertEntity(ctx, other, "Huawei", "organization", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(mine.ID).NotTo(Equal(theirs.ID))

			_, err = driver.GetEntityByName(ctx, memory.Owner{UserID: "user-3", ProjectID: "default"}, "Huawei")
			Expect(err).To(MatchError(graph.ErrNotFound))
		})
	})

	Describe("links", func() {
		It("replaces a memory's link set and traverses both directions", func() {
			a, _ := driver.UpsertEntity(ctx, owner, "A", "concept", nil)
			b, _ := driver.UpsertEntity(ctx, owner, "B", "concept", nil)

			Expect(driver.LinkMemory(ctx, owner, "mem-1", []string{a.ID, b.ID})).To(Succeed())

			linked, err := driver.EntitiesForMemory(ctx, owner, "mem-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(linked).To(HaveLen(2))

			memories, err := driver.MemoriesForEntity(ctx, owner, a.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(memories).To(Equal([]string{"mem-1"}))

			// Replacement drops the old set.
			Expect(driver.LinkMemory(ctx, owner, "mem-1", []string{b.ID})).To(Succeed())
			memories, err = driver.MemoriesForEntity(ctx, owner, a.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(memories).To(BeEmpty())
		})

		It("rejects links to unknown entities", func() {
			err := driver.LinkMemory(ctx, owner, "mem-1", []string{"missing"})
			Expect(err).To(MatchError(graph.ErrNotFound))
		})
	})

	Describe("relations", func() {
		It("accumulates weight and removes edges decayed to zero", func() {
			a, _ := driver.UpsertEntity(ctx, owner, "A", "concept", nil)
			b, _ := driver.UpsertEntity(ctx, owner, "B", "concept", nil)

			Expect(driver.BumpRelation(ctx, owner, a.ID, b.ID, "knows", 1)).To(Succeed())
			Expect(driver.BumpRelation(ctx, owner, a.ID, b.ID, "knows", 1)).To(Succeed())

			rels, err := driver.RelationsFor(ctx, owner, a.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rels).To(HaveLen(1))
			Expect(rels[0].Weight).To(Equal(2.0))

			Expect(driver.BumpRelation(ctx, owner, a.ID, b.ID, "knows", -2)).To(Succeed())
			rels, err = driver.RelationsFor(ctx, owner, a.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rels).To(BeEmpty())
		})
	})
})
