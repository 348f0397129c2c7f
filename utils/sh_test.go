package utils_test

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/kairos-io/ykfde/utils"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "utils Test Suite")
}

var _ = Describe("ExecRunner", Label("utils"), func() {
	var runner utils.ExecRunner
	BeforeEach(func() {
		if _, err := exec.LookPath("sh"); err != nil {
			Skip("no shell available")
		}
	})

	It("feeds stdin and extra files to the command", func() {
		out, err := runner.Run(context.Background(), utils.Command{
			Name:       "sh",
			Args:       []string{"-c", "cat; echo; cat /dev/fd/3; echo; cat /dev/fd/4"},
			Stdin:      []byte("old"),
			ExtraFiles: [][]byte{[]byte("new"), []byte("more")},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(string(out)).To(Equal("old\nnew\nmore"))
	})

	It("reports the exit status and stderr", func() {
		_, err := runner.Run(context.Background(), utils.Command{
			Name: "sh",
			Args: []string{"-c", "echo nope >&2; exit 4"},
		})
		Expect(err).To(HaveOccurred())
		Expect(utils.ExitCode(err)).To(Equal(4))
		var exitErr *utils.ExitError
		Expect(errors.As(err, &exitErr)).To(BeTrue())
		Expect(exitErr.Stderr).To(ContainSubstring("nope"))
	})

	It("has no exit status for commands that never ran", func() {
		_, err := runner.Run(context.Background(), utils.Command{Name: "/nonexistent/ykfde-test"})
		Expect(err).To(HaveOccurred())
		Expect(utils.ExitCode(err)).To(Equal(-1))
	})

	It("renders the command line without secrets", func() {
		c := utils.Command{Name: "cryptsetup", Args: []string{"luksChangeKey", "/dev/sda2"}, Stdin: []byte("secret")}
		Expect(c.String()).To(Equal("cryptsetup luksChangeKey /dev/sda2"))
	})
})
