package token_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kairos-io/ykfde/secret"
	"github.com/kairos-io/ykfde/token"
	"github.com/kairos-io/ykfde/types"
	"github.com/kairos-io/ykfde/utils"
	"github.com/kairos-io/ykfde/utils/mocks"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "token Test Suite")
}

var _ = Describe("SlotFromInt", Label("token"), func() {
	It("maps everything but 1 to slot 2", func() {
		Expect(token.SlotFromInt(1)).To(Equal(token.Slot1))
		Expect(token.SlotFromInt(2)).To(Equal(token.Slot2))
		Expect(token.SlotFromInt(0)).To(Equal(token.Slot2))
		Expect(token.SlotFromInt(7)).To(Equal(token.Slot2))
	})
})

var _ = Describe("Ykpers", Label("token"), func() {
	var runner *mocks.Runner
	var yk *token.Ykpers
	var buf bytes.Buffer

	BeforeEach(func() {
		buf = bytes.Buffer{}
		runner = mocks.NewRunner()
		yk = &token.Ykpers{Runner: runner, Logger: types.NewBufferLogger(&buf)}
	})
	AfterEach(func() {
		if CurrentSpecReport().Failed() {
			_, _ = GinkgoWriter.Write(buf.Bytes())
		}
	})

	It("reads the serial on open", func() {
		runner.SideEffect = func(cmd utils.Command) ([]byte, error) {
			return []byte("1234\n"), nil
		}
		tok, err := yk.Open(context.Background())
		Expect(err).ToNot(HaveOccurred())
		defer tok.Close()

		serial, err := tok.Serial(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(serial).To(Equal(uint32(1234)))
		Expect(runner.CmdsMatch([]string{"ykinfo -s -q"})).To(BeTrue())
	})

	It("reports a missing key as ErrNoToken", func() {
		runner.SideEffect = func(cmd utils.Command) ([]byte, error) {
			return nil, &utils.ExitError{Command: cmd.Name, Code: 1, Stderr: "Yubikey core error: no yubikey present"}
		}
		_, err := yk.Open(context.Background())
		Expect(errors.Is(err, token.ErrNoToken)).To(BeTrue())
	})

	It("passes the challenge on stdin and decodes the digest", func() {
		digest := strings.Repeat("0a", 20)
		runner.SideEffect = func(cmd utils.Command) ([]byte, error) {
			if cmd.Name == "ykinfo" {
				return []byte("1234\n"), nil
			}
			return []byte(digest + "\n"), nil
		}
		tok, err := yk.Open(context.Background())
		Expect(err).ToNot(HaveOccurred())

		c, err := secret.NewFromBytes(bytes.Repeat([]byte("A"), 64))
		Expect(err).ToNot(HaveOccurred())
		defer c.Close()

		r, err := tok.ChallengeResponse(context.Background(), token.Slot1, c)
		Expect(err).ToNot(HaveOccurred())
		defer r.Close()
		Expect(r.Bytes()).To(Equal(bytes.Repeat([]byte{0x0a}, 20)))

		cmds := runner.Commands()
		Expect(cmds).To(HaveLen(2))
		Expect(cmds[1].String()).To(Equal("ykchalresp -1 -H -i -"))
		Expect(cmds[1].Stdin).To(Equal(bytes.Repeat([]byte("A"), 64)))
	})

	It("rejects a malformed response", func() {
		runner.SideEffect = func(cmd utils.Command) ([]byte, error) {
			if cmd.Name == "ykinfo" {
				return []byte("1234\n"), nil
			}
			return []byte("not hex\n"), nil
		}
		tok, err := yk.Open(context.Background())
		Expect(err).ToNot(HaveOccurred())
		c, err := secret.NewFromBytes(bytes.Repeat([]byte("A"), 64))
		Expect(err).ToNot(HaveOccurred())
		defer c.Close()

		_, err = tok.ChallengeResponse(context.Background(), token.Slot2, c)
		Expect(err).To(HaveOccurred())
	})
})
