package response_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/kairos-io/ykfde/response"
	"github.com/kairos-io/ykfde/secret"
	"github.com/kairos-io/ykfde/token"
	"github.com/kairos-io/ykfde/token/mocks"
	"github.com/kairos-io/ykfde/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "response Test Suite")
}

func buffer(s string) *secret.Buffer {
	b, err := secret.NewFromBytes([]byte(s))
	Expect(err).ToNot(HaveOccurred())
	return b
}

func expected(key []byte, challenge string) string {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

var _ = Describe("Engine", Label("response"), func() {
	var tok *mocks.Token
	var engine *response.Engine
	var challenge *secret.Buffer
	var buf bytes.Buffer

	BeforeEach(func() {
		buf = bytes.Buffer{}
		tok = mocks.New(1234)
		engine = response.NewEngine(tok.Opener(), types.NewBufferLogger(&buf))
		challenge = buffer(strings.Repeat("A", 64))
	})
	AfterEach(func() {
		Expect(challenge.Close()).To(Succeed())
		if CurrentSpecReport().Failed() {
			_, _ = GinkgoWriter.Write(buf.Bytes())
		}
	})

	It("derives the hex digest of the untouched challenge without a second factor", func() {
		pass, err := engine.Respond(context.Background(), challenge, nil, token.Slot2, 1234)
		Expect(err).ToNot(HaveOccurred())
		defer pass.Close()

		Expect(pass.Len()).To(Equal(40))
		Expect(pass.String()).To(Equal(expected(tok.Keys[token.Slot2], strings.Repeat("A", 64))))
		Expect(tok.Challenges()).To(Equal([][]byte{[]byte(strings.Repeat("A", 64))}))
		Expect(tok.Closed()).To(Equal(1))
	})

	It("is deterministic for equal inputs", func() {
		a, err := engine.Respond(context.Background(), challenge, nil, token.Slot1, 1234)
		Expect(err).ToNot(HaveOccurred())
		defer a.Close()
		b, err := engine.Respond(context.Background(), challenge, nil, token.Slot1, 1234)
		Expect(err).ToNot(HaveOccurred())
		defer b.Close()
		Expect(secret.Equal(a, b)).To(BeTrue())
	})

	It("only overwrites the prefix with the second factor", func() {
		sf := buffer("xyz")
		defer sf.Close()

		pass, err := engine.Respond(context.Background(), challenge, sf, token.Slot2, 1234)
		Expect(err).ToNot(HaveOccurred())
		defer pass.Close()

		mixed := "xyz" + strings.Repeat("A", 61)
		Expect(tok.Challenges()[0]).To(Equal([]byte(mixed)))
		Expect(pass.String()).To(Equal(expected(tok.Keys[token.Slot2], mixed)))
		Expect(challenge.String()).To(Equal(strings.Repeat("A", 64)))
	})

	It("never overwrites more than half of the challenge", func() {
		sf := buffer(strings.Repeat("z", 50))
		defer sf.Close()

		mixed, err := response.Mix(challenge, sf)
		Expect(err).ToNot(HaveOccurred())
		defer mixed.Close()
		Expect(mixed.String()).To(Equal(strings.Repeat("z", 32) + strings.Repeat("A", 32)))
	})

	It("refuses a token with another serial", func() {
		_, err := engine.Respond(context.Background(), challenge, nil, token.Slot2, 999)
		Expect(errors.Is(err, response.ErrSerialMismatch)).To(BeTrue())
		Expect(tok.Challenges()).To(BeEmpty())
	})

	It("reports a missing token", func() {
		engine.Open = mocks.Absent()
		_, err := engine.Respond(context.Background(), challenge, nil, token.Slot2, 1234)
		Expect(errors.Is(err, token.ErrNoToken)).To(BeTrue())
	})

	It("passes token failures through", func() {
		tok.Err = errors.New("timeout waiting for touch")
		_, err := engine.Respond(context.Background(), challenge, nil, token.Slot2, 1234)
		Expect(err).To(MatchError(ContainSubstring("timeout waiting for touch")))
	})
})
