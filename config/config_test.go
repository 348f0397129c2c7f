package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kairos-io/ykfde/config"
	"github.com/kairos-io/ykfde/token"
	"github.com/kairos-io/ykfde/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "config Test Suite")
}

var _ = Describe("Config", Label("config"), func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "ykfde-config")
		Expect(err).ToNot(HaveOccurred())
	})
	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	write := func(content string) string {
		path := filepath.Join(dir, "ykfde.yaml")
		Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
		return path
	}

	It("overlays the serial section on general", func() {
		path := write(`general:
  device-name: cryptroot
  yk-slot: 2
"1234567":
  luks-slot: 1
  yk-slot: 1
  second-factor: true
`)
		cfg, err := config.Load(path, types.NewNullLogger())
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Path).To(Equal(path))

		t := cfg.ForSerial(1234567)
		Expect(t.DeviceName).To(Equal("cryptroot"))
		Expect(t.YKSlot).To(Equal(token.Slot1))
		Expect(t.HasLUKSSlot).To(BeTrue())
		Expect(t.LUKSSlot).To(Equal(1))
		Expect(t.SecondFactor).To(BeTrue())
		Expect(t.Validate()).To(Succeed())

		other := cfg.ForSerial(42)
		Expect(other.YKSlot).To(Equal(token.Slot2))
		Expect(other.HasLUKSSlot).To(BeFalse())
		Expect(other.SecondFactor).To(BeFalse())
		Expect(errors.Is(other.Validate(), config.ErrNoKeyslot)).To(BeTrue())
	})

	It("falls back to slot 2 for invalid slot numbers", func() {
		path := write(`general:
  device-name: cryptroot
  yk-slot: 5
`)
		cfg, err := config.Load(path, types.NewNullLogger())
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.ForSerial(1).YKSlot).To(Equal(token.Slot2))
	})

	It("accepts a missing file", func() {
		cfg, err := config.Load(filepath.Join(dir, "missing.yaml"), types.NewNullLogger())
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Path).To(BeEmpty())

		t := cfg.ForSerial(1)
		Expect(t.YKSlot).To(Equal(token.Slot2))
		Expect(errors.Is(t.Validate(), config.ErrNoDevice)).To(BeTrue())
	})

	It("rejects unknown keys", func() {
		path := write(`general:
  device: cryptroot
`)
		_, err := config.Load(path, types.NewNullLogger())
		Expect(err).To(HaveOccurred())
	})

	It("lets the environment override general", func() {
		path := write(`general:
  device-name: cryptroot
`)
		GinkgoT().Setenv("YKFDE_GENERAL_DEVICE_NAME", "cryptdata")
		GinkgoT().Setenv("YKFDE_GENERAL_SECOND_FACTOR", "true")

		cfg, err := config.Load(path, types.NewNullLogger())
		Expect(err).ToNot(HaveOccurred())
		t := cfg.ForSerial(1)
		Expect(t.DeviceName).To(Equal("cryptdata"))
		Expect(t.SecondFactor).To(BeTrue())
	})

	It("renders the stanza for a missing serial", func() {
		out, err := config.Stanza(1234567, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(Equal("\"1234567\":\n    luks-slot: 1\n"))
	})
})
