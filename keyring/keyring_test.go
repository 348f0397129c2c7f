package keyring_test

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/kairos-io/ykfde/keyring"
	"github.com/kairos-io/ykfde/secret"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "keyring Test Suite")
}

func value(s string) *secret.Buffer {
	b, err := secret.NewFromBytes([]byte(s))
	Expect(err).ToNot(HaveOccurred())
	return b
}

var _ = Describe("Memory", Label("keyring"), func() {
	var mem *keyring.Memory
	var now time.Time

	BeforeEach(func() {
		now = time.Unix(1000, 0)
		mem = keyring.NewMemory()
		mem.Now = func() time.Time { return now }
	})
	AfterEach(func() {
		mem.Close()
	})

	It("reports absent keys", func() {
		_, err := mem.Lookup("ykfde-2f")
		Expect(errors.Is(err, keyring.ErrAbsent)).To(BeTrue())
	})

	It("returns an independent copy of the stored value", func() {
		v := value("hunter2")
		defer v.Close()
		Expect(mem.Store("ykfde-2f", v, 150*time.Second)).To(Succeed())

		got, err := mem.Lookup("ykfde-2f")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.String()).To(Equal("hunter2"))
		Expect(got.Close()).To(Succeed())

		again, err := mem.Lookup("ykfde-2f")
		Expect(err).ToNot(HaveOccurred())
		defer again.Close()
		Expect(again.String()).To(Equal("hunter2"))
	})

	It("expires keys after their timeout", func() {
		v := value("hunter2")
		defer v.Close()
		Expect(mem.Store("ykfde-2f", v, 150*time.Second)).To(Succeed())

		now = now.Add(149 * time.Second)
		got, err := mem.Lookup("ykfde-2f")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Close()).To(Succeed())

		now = now.Add(time.Second)
		_, err = mem.Lookup("ykfde-2f")
		Expect(errors.Is(err, keyring.ErrAbsent)).To(BeTrue())
	})

	It("overwrites an existing key", func() {
		a := value("first")
		defer a.Close()
		b := value("second")
		defer b.Close()
		Expect(mem.Store("cryptsetup", a, 0)).To(Succeed())
		Expect(mem.Store("cryptsetup", b, 0)).To(Succeed())

		got, err := mem.Lookup("cryptsetup")
		Expect(err).ToNot(HaveOccurred())
		defer got.Close()
		Expect(got.String()).To(Equal("second"))
	})
})

var _ = Describe("Kernel", Label("keyring", "kernel"), func() {
	It("stores and reads back a key in the process keyring", func() {
		k := &keyring.Kernel{Ring: unix.KEY_SPEC_PROCESS_KEYRING}
		purpose := fmt.Sprintf("ykfde-test-%d", os.Getpid())

		v := value("hunter2")
		defer v.Close()
		if err := k.Store(purpose, v, 5*time.Second); err != nil {
			if errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EACCES) {
				Skip("keyctl is not available here: " + err.Error())
			}
			Fail(err.Error())
		}

		got, err := k.Lookup(purpose)
		Expect(err).ToNot(HaveOccurred())
		defer got.Close()
		Expect(got.String()).To(Equal("hunter2"))
	})

	It("reports absent keys", func() {
		k := &keyring.Kernel{Ring: unix.KEY_SPEC_PROCESS_KEYRING}
		_, err := k.Lookup(fmt.Sprintf("ykfde-missing-%d", os.Getpid()))
		if err != nil && !errors.Is(err, keyring.ErrAbsent) {
			Skip("keyctl is not available here: " + err.Error())
		}
		Expect(errors.Is(err, keyring.ErrAbsent)).To(BeTrue())
	})
})
