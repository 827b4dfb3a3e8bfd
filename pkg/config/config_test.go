package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/memoryx/memoryx/pkg/config"
)

var _ = Describe("Load", func() {
	It("returns defaults when nothing is configured", func() {
		cfg, err := config.Load("")
		Expect(err).NotTo(HaveOccurred())

		defaults := config.NewDefaultConfig()
		Expect(cfg.Listen).To(Equal(defaults.Listen))
		Expect(cfg.Pipeline.ThresholdAdd).To(Equal(0.80))
		Expect(cfg.Pipeline.ThresholdDuplicate).To(Equal(0.95))
		Expect(cfg.Retrieval.Alpha).To(Equal(0.6))
		Expect(cfg.Retrieval.Tau).To(Equal(30 * 24 * time.Hour))
	})

	It("lets environment variables override defaults", func() {
		os.Setenv("MEMORYX_LISTEN", ":9999")
		os.Setenv("MEMORYX_DATABASE_DRIVER", "postgres")
		os.Setenv("MEMORYX_RETRIEVAL_ALPHA", "0.5")
		defer func() {
			os.Unsetenv("MEMORYX_LISTEN")
			os.Unsetenv("MEMORYX_DATABASE_DRIVER")
			os.Unsetenv("MEMORYX_RETRIEVAL_ALPHA")
		}()

		cfg, err := config.Load("")
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Listen).To(Equal(":9999"))
		Expect(cfg.Database.Driver).To(Equal("postgres"))
		Expect(cfg.Retrieval.Alpha).To(Equal(0.5))
	})

	It("reads a config.toml from the given directory", func() {
		dir := GinkgoT().TempDir()
		contents := "listen = \":7777\"\n\n[vector]\nprovider = \"qdrant\"\nhost = \"vector-host\"\n"
		Expect(os.WriteFile(filepath.Join(dir, "config.toml"), []byte(contents), 0o644)).To(Succeed())

		cfg, err := config.Load(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Listen).To(Equal(":7777"))
		Expect(cfg.Vector.Provider).To(Equal("qdrant"))
		Expect(cfg.Vector.Host).To(Equal("vector-host"))
		// Unset keys keep their defaults.
		Expect(cfg.Vector.Port).To(Equal(config.NewDefaultConfig().Vector.Port))
	})
})
