package crypto_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/memoryx/memoryx/pkg/crypto"
)

var _ = Describe("Envelope", func() {
	It("round-trips content", func() {
		env, err := crypto.NewEnvelope("content-key")
		Expect(err).NotTo(HaveOccurred())

		sealed, err := env.Seal("Zhang San works at Huawei")
		Expect(err).NotTo(HaveOccurred())
		Expect(sealed).NotTo(ContainSubstring("Huawei"))

		opened, err := env.Open(sealed)
		Expect(err).NotTo(HaveOccurred())
		Expect(opened).To(Equal("Zhang San works at Huawei"))
	})

	It("produces distinct ciphertexts for the same plaintext", func() {
		env, err := crypto.NewEnvelope("content-key")
		Expect(err).NotTo(HaveOccurred())

		first, err := env.Seal("same content")
		Expect(err).NotTo(HaveOccurred())
		second, err := env.Seal("same content")
		Expect(err).NotTo(HaveOccurred())
		Expect(first).NotTo(Equal(second))
	})

	It("refuses to open with the wrong key", func() {
		env, err := crypto.NewEnvelope("content-key")
		Expect(err).NotTo(HaveOccurred())
		other, err := crypto.NewEnvelope("different-key")
		Expect(err).NotTo(HaveOccurred())

		sealed, err := env.Seal("secret")
		Expect(err).NotTo(HaveOccurred())

		_, err = other.Open(sealed)
		Expect(err).To(MatchError(crypto.ErrCiphertext))
	})

	It("rejects an empty key", func() {
		_, err := crypto.NewEnvelope("")
		Expect(err).To(MatchError(crypto.ErrNoKey))
	})

	It("rejects malformed envelopes", func() {
		env, err := crypto.NewEnvelope("content-key")
		Expect(err).NotTo(HaveOccurred())

		_, err = env.Open("not base64 !!!")
		Expect(err).To(MatchError(crypto.ErrCiphertext))

		_, err = env.Open("c2hvcnQ=")
		Expect(err).To(MatchError(crypto.ErrCiphertext))
	})
})
