package aggregator_test

import (
	"context"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/aggregator"
	"github.com/memoryx/memoryx/pkg/extraction"
	"github.com/memoryx/memoryx/pkg/memory"
	testutils "github.com/memoryx/memoryx/pkg/utils/test"
)

const factsJSON = `{"facts": [
	{"text": "Zhang San works at Huawei", "category": "fact", "confidence": 0.9,
	 "entities": [{"name": "Zhang San", "type": "person"}, {"name": "Huawei", "type": "organization"}]},
	{"text": "hi", "category": "other", "confidence": 0.2, "entities": [{"name": "x", "type": "concept"}]}
]}`

var _ = Describe("Aggregator", func() {
	var (
		ctx     context.Context
		mockLLM *testutils.MockLLM
		agg     *aggregator.Aggregator
	)

	BeforeEach(func() {
		ctx = context.Background()
		mockLLM = testutils.NewMockLLM()

		logger := zap.NewNop()
		agg = aggregator.New(aggregator.Config{
			LLM:       mockLLM,
			Extractor: extraction.NewExtractor(mockLLM, logger),
			Filter:    extraction.NewFilter(nil),
			Logger:    logger,
		})
	})

	It("extracts candidates from a segment and filters trivia", func() {
		mockLLM.Default = factsJSON

		seg := memory.Segment{
			ID: "conv-1",
			Messages: []memory.Message{
				{Role: memory.RoleUser, Content: "I work at Huawei"},
				{Role: memory.RoleAssistant, Content: "Noted."},
			},
		}

		facts, rejected, err := agg.FromSegment(ctx, seg)
		Expect(err).NotTo(HaveOccurred())
		Expect(facts).To(HaveLen(1))
		Expect(facts[0].Text).To(Equal("Zhang San works at Huawei"))
		Expect(rejected).To(Equal(1))
	})

	It("renders the transcript in insertion order with role tags", func() {
		mockLLM.Default = factsJSON

		seg := memory.Segment{
			ID: "conv-2",
			Messages: []memory.Message{
				{Role: memory.RoleUser, Content: "first"},
				{Role: memory.RoleAssistant, Content: "second"},
				{Role: memory.RoleUser, Content: "third"},
			},
		}

		_, _, err := agg.FromSegment(ctx, seg)
		Expect(err).NotTo(HaveOccurred())

		Expect(mockLLM.Calls).To(HaveLen(1))
		transcript := mockLLM.Calls[0]
		Expect(transcript).To(ContainSubstring("user: first\nassistant: second\nuser: third"))
	})

	It("treats a direct write as a single user turn", func() {
		mockLLM.Default = factsJSON

		_, _, err := agg.FromContent(ctx, "I work at Huawei")
		Expect(err).NotTo(HaveOccurred())
		Expect(mockLLM.Calls[0]).To(ContainSubstring("user: I work at Huawei"))
	})

	It("summarizes long segments before extraction", func() {
		long := strings.Repeat("a very long conversation turn ", 400)
		mockLLM.Responses[long] = "Zhang San talked about Huawei at length."
		mockLLM.Default = factsJSON

		seg := memory.Segment{
			ID:       "conv-3",
			Messages: []memory.Message{{Role: memory.RoleUser, Content: long}},
		}

		facts, _, err := agg.FromSegment(ctx, seg)
		Expect(err).NotTo(HaveOccurred())
		Expect(facts).To(HaveLen(1))

		// Two model calls: summary first, then extraction over the
		// summary rather than the raw transcript.
		Expect(mockLLM.Calls).To(HaveLen(2))
		Expect(mockLLM.Calls[1]).To(ContainSubstring("talked about Huawei"))
	})
})
