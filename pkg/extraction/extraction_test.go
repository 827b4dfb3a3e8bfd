package extraction_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/extraction"
	"github.com/memoryx/memoryx/pkg/memory"
	testutils "github.com/memoryx/memoryx/pkg/utils/test"
)

var _ = Describe("Extractor", func() {
	var (
		ctx       context.Context
		mockLLM   *testutils.MockLLM
		extractor *extraction.Extractor
	)

	BeforeEach(func() {
		ctx = context.Background()
		mockLLM = testutils.NewMockLLM()
		extractor = extraction.NewExtractor(mockLLM, zap.NewNop())
	})

	It("parses a plain JSON facts response", func() {
		mockLLM.Default = `{"facts": [{"text": "Zhang San works at Huawei", "category": "fact", "confidence": 0.9, "entities": [{"name": "Zhang San", "type": "person"}, {"name": "Huawei", "type": "organization"}]}]}`

		facts, err := extractor.ExtractFacts(ctx, "user: I work at Huawei")
		Expect(err).NotTo(HaveOccurred())
		Expect(facts).To(HaveLen(1))
		Expect(facts[0].Text).To(Equal("Zhang San works at Huawei"))
		Expect(facts[0].Category).To(Equal(memory.CategoryFact))
		Expect(facts[0].EntityNames()).To(Equal([]string{"Zhang San", "Huawei"}))
	})

	It("tolerates markdown fences and leading prose around the JSON", func() {
		mockLLM.Default = "Here is the result:\n```json\n{\"facts\": [{\"text\": \"likes tea\", \"category\": \"preference\", \"confidence\": 0.8, \"entities\": [{\"name\": \"tea\", \"type\": \"concept\"}]}]}\n```"

		facts, err := extractor.ExtractFacts(ctx, "user: I like tea")
		Expect(err).NotTo(HaveOccurred())
		Expect(facts).To(HaveLen(1))
		Expect(facts[0].Category).To(Equal(memory.CategoryPreference))
	})

	It("normalizes unknown categories and out-of-range confidence", func() {
		mockLLM.Default = `{"facts": [{"text": "something", "category": "bogus", "confidence": 7, "entities": [{"name": "x", "type": "concept"}]}]}`

		facts, err := extractor.ExtractFacts(ctx, "user: hm")
		Expect(err).NotTo(HaveOccurred())
		Expect(facts[0].Category).To(Equal(memory.CategoryOther))
		Expect(facts[0].Confidence).To(Equal(0.5))
	})

	It("fails on a response with no JSON object", func() {
		mockLLM.Default = "I could not extract anything."

		_, err := extractor.ExtractFacts(ctx, "user: hello")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Judge", func() {
	var (
		ctx     context.Context
		mockLLM *testutils.MockLLM
		judge   *extraction.Judge
	)

	fact := extraction.Fact{
		Text:     "Zhang San works at Huawei",
		Entities: []extraction.Entity{{Name: "Zhang San"}, {Name: "Huawei"}},
	}

	BeforeEach(func() {
		ctx = context.Background()
		mockLLM = testutils.NewMockLLM()
		judge = extraction.NewJudge(mockLLM, 0.80, 0.95, zap.NewNop())
	})

	It("decides ADD without a model call when no neighbors exist", func() {
		judgment, err := judge.Decide(ctx, fact, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(judgment.Event).To(Equal(extraction.EventAdd))
		Expect(mockLLM.Calls).To(BeEmpty())
	})

	It("decides ADD without a model call below the add threshold", func() {
		neighbors := []extraction.Neighbor{{ID: "m1", Text: "unrelated", Similarity: 0.4}}

		judgment, err := judge.Decide(ctx, fact, neighbors)
		Expect(err).NotTo(HaveOccurred())
		Expect(judgment.Event).To(Equal(extraction.EventAdd))
		Expect(mockLLM.Calls).To(BeEmpty())
	})

	It("decides NONE deterministically for a near-identical equal-entity neighbor", func() {
		neighbors := []extraction.Neighbor{{
			ID:         "m1",
			Text:       "Zhang San works at Huawei",
			Similarity: 0.99,
			Entities:   []string{"huawei", "zhang san"},
		}}

		judgment, err := judge.Decide(ctx, fact, neighbors)
		Expect(err).NotTo(HaveOccurred())
		Expect(judgment.Event).To(Equal(extraction.EventNone))
		Expect(judgment.TargetID).To(Equal("m1"))
		Expect(mockLLM.Calls).To(BeEmpty())
	})

	It("consults the model inside the ambiguous band", func() {
		mockLLM.Default = `{"event": "UPDATE", "target_id": "m1", "text": "merged content"}`
		neighbors := []extraction.Neighbor{{ID: "m1", Text: "Zhang San works somewhere", Similarity: 0.85}}

		judgment, err := judge.Decide(ctx, fact, neighbors)
		Expect(err).NotTo(HaveOccurred())
		Expect(judgment.Event).To(Equal(extraction.EventUpdate))
		Expect(judgment.Text).To(Equal("merged content"))
		Expect(mockLLM.Calls).To(HaveLen(1))
	})

	It("falls back to ADD when the model names an unknown target", func() {
		mockLLM.Default = `{"event": "DELETE", "target_id": "not-a-neighbor", "text": ""}`
		neighbors := []extraction.Neighbor{{ID: "m1", Text: "Zhang San works somewhere", Similarity: 0.85}}

		judgment, err := judge.Decide(ctx, fact, neighbors)
		Expect(err).NotTo(HaveOccurred())
		Expect(judgment.Event).To(Equal(extraction.EventAdd))
	})

	It("rejects an unknown event", func() {
		mockLLM.Default = `{"event": "MERGE", "target_id": "m1", "text": ""}`
		neighbors := []extraction.Neighbor{{ID: "m1", Text: "Zhang San works somewhere", Similarity: 0.85}}

		_, err := judge.Decide(ctx, fact, neighbors)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Filter", func() {
	newFact := func(text string, entityCount int) extraction.Fact {
		f := extraction.Fact{Text: text}
		for i := 0; i < entityCount; i++ {
			f.Entities = append(f.Entities, extraction.Entity{Name: "e"})
		}
		return f
	}

	It("drops short, trivial, and entity-less facts", func() {
		filter := extraction.NewFilter(nil)

		kept, rejected := filter.Apply([]extraction.Fact{
			newFact("x", 1),                        // too short
			newFact("hello", 1),                    // greeting
			newFact("!!!", 1),                      // punctuation
			newFact("has no entities", 0),           // empty entity list
			newFact("Zhang San works at Huawei", 2), // survives
		})
		Expect(rejected).To(Equal(4))
		Expect(kept).To(HaveLen(1))
		Expect(kept[0].Text).To(Equal("Zhang San works at Huawei"))
	})
})
