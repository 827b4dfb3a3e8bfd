package fingerprint_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/memoryx/memoryx/pkg/fingerprint"
)

var _ = Describe("Machine", func() {
	It("produces a stable 32-hex-character sum", func() {
		m := fingerprint.Machine{
			Hostname:    "host-a",
			Platform:    "linux",
			Arch:        "amd64",
			CPUModel:    "Test CPU",
			MemoryBytes: 8 << 30,
		}

		sum := m.Sum()
		Expect(sum).To(HaveLen(32))
		Expect(sum).To(MatchRegexp("^[0-9a-f]{32}$"))
		Expect(m.Sum()).To(Equal(sum))
	})

	It("changes when any identity field changes", func() {
		base := fingerprint.Machine{Hostname: "host-a", Platform: "linux"}
		changed := base
		changed.Hostname = "host-b"
		Expect(base.Sum()).NotTo(Equal(changed.Sum()))
	})

	It("collects something on the running host", func() {
		m := fingerprint.Collect()
		Expect(m.Platform).NotTo(BeEmpty())
		Expect(m.Sum()).To(HaveLen(32))
	})
})
