package sqlitevec_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/vector"
	"github.com/memoryx/memoryx/pkg/vector/sqlitevec"
)

var _ = Describe("Driver", func() {
	var (
		ctx    context.Context
		driver *sqlitevec.Driver
		owner  memory.Owner
	)

	point := func(id string, category memory.Category, vec ...float32) vector.Point {
		return vector.Point{ID: id, Vector: vec, Owner: owner, Category: category}
	}

	BeforeEach(func() {
		ctx = context.Background()
		owner = memory.Owner{UserID: "user-1", ProjectID: "default"}

		var err error
		driver, err = sqlitevec.NewDriver(sqlitevec.Config{
			DBPath:     ":memory:",
			Dimensions: 3,
		}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		driver.Close()
	})

	It("requires configured dimensions", func() {
		_, err := sqlitevec.NewDriver(sqlitevec.Config{DBPath: ":memory:"}, zap.NewNop())
		Expect(err).To(HaveOccurred())
	})

	It("ranks by cosine similarity within the owner partition", func() {
		Expect(driver.Upsert(ctx, []vector.Point{
			point("near", memory.CategoryFact, 1, 0, 0),
			point("far", memory.CategoryFact, 0, 1, 0),
		})).To(Succeed())

		other := memory.Owner{UserID: "user-2", ProjectID: "default"}
		Expect(driver.Upsert(ctx, []vector.Point{{
			ID: "foreign", Vector: []float32{1, 0, 0}, Owner: other, Category: memory.CategoryFact,
		}})).To(Succeed())

		results, err := driver.Search(ctx, vector.Filter{Owner: owner}, []float32{1, 0, 0}, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(2))
		Expect(results[0].ID).To(Equal("near"))
		Expect(results[0].Score).To(BeNumerically("~", 1, 1e-5))
		Expect(results[1].Score).To(BeNumerically("<", results[0].Score))
	})

	It("filters by category", func() {
		Expect(driver.Upsert(ctx, []vector.Point{
			point("fact", memory.CategoryFact, 1, 0, 0),
			point("plan", memory.CategoryPlan, 1, 0, 0),
		})).To(Succeed())

		results, err := driver.Search(ctx, vector.Filter{Owner: owner, Category: memory.CategoryPlan}, []float32{1, 0, 0}, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(1))
		Expect(results[0].ID).To(Equal("plan"))
	})

	It("replaces an existing point on upsert and deletes by id", func() {
		Expect(driver.Upsert(ctx, []vector.Point{point("m1", memory.CategoryFact, 1, 0, 0)})).To(Succeed())
		Expect(driver.Upsert(ctx, []vector.Point{point("m1", memory.CategoryOpinion, 0, 0, 1)})).To(Succeed())

		ids, err := driver.ListIDs(ctx, owner)
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(Equal([]string{"m1"}))

		results, err := driver.Search(ctx, vector.Filter{Owner: owner, Category: memory.CategoryOpinion}, []float32{0, 0, 1}, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(1))

		Expect(driver.Delete(ctx, []string{"m1"})).To(Succeed())
		ids, err = driver.ListIDs(ctx, owner)
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(BeEmpty())
	})

	It("rejects vectors with the wrong dimensionality", func() {
		err := driver.Upsert(ctx, []vector.Point{point("bad", memory.CategoryFact, 1, 0)})
		Expect(err).To(MatchError(vector.ErrDimensions))

		_, err = driver.Search(ctx, vector.Filter{Owner: owner}, []float32{1, 0}, 5)
		Expect(err).To(MatchError(vector.ErrDimensions))
	})
})
