package tokenizer_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/memoryx/memoryx/pkg/tokenizer"
)

var _ = Describe("Fallback", func() {
	It("estimates ceil(len/4) tokens", func() {
		f := tokenizer.Fallback{}
		Expect(f.Count("")).To(Equal(0))
		Expect(f.Count("abc")).To(Equal(1))
		Expect(f.Count("abcd")).To(Equal(1))
		Expect(f.Count("abcde")).To(Equal(2))
		Expect(f.Count("exactly sixteen.")).To(Equal(4))
	})
})

var _ = Describe("NewCounter", func() {
	It("always returns a usable counter", func() {
		c := tokenizer.NewCounter()
		Expect(c.Count("some text to count")).To(BeNumerically(">", 0))
	})
})
