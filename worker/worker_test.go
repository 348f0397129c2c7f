package worker_test

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kairos-io/ykfde/askpass"
	"github.com/kairos-io/ykfde/challenge"
	"github.com/kairos-io/ykfde/config"
	"github.com/kairos-io/ykfde/constants"
	"github.com/kairos-io/ykfde/keyring"
	"github.com/kairos-io/ykfde/response"
	"github.com/kairos-io/ykfde/secret"
	"github.com/kairos-io/ykfde/token"
	"github.com/kairos-io/ykfde/token/mocks"
	"github.com/kairos-io/ykfde/types"
	"github.com/kairos-io/ykfde/worker"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4/vfst"
	"golang.org/x/sys/unix"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "worker Test Suite")
}

func buffer(s string) *secret.Buffer {
	b, err := secret.NewFromBytes([]byte(s))
	Expect(err).ToNot(HaveOccurred())
	return b
}

var _ = Describe("Worker", Label("worker"), func() {
	const serial = 1234
	var fs *vfst.TestFS
	var cleanup func()
	var dir string
	var askDir string
	var conn *net.UnixConn
	var socket string
	var tok *mocks.Token
	var cache *keyring.Memory
	var w *worker.Worker
	var buf bytes.Buffer
	var notified []string
	var mu sync.Mutex

	derive := func(factor string) string {
		c := buffer(strings.Repeat("A", 64))
		defer c.Close()
		var sf *secret.Buffer
		if factor != "" {
			sf = buffer(factor)
			defer sf.Close()
		}
		p, err := response.NewEngine(tok.Opener(), types.NewNullLogger()).Respond(context.Background(), c, sf, token.Slot2, serial)
		Expect(err).ToNot(HaveOccurred())
		defer p.Close()
		return p.String()
	}

	ask := func(name string) {
		content := fmt.Sprintf("[Ask]\nPID=1\nSocket=%s\nAcceptCached=1\nMessage=%s root (cryptroot):\n", socket, constants.AskMessage)
		tmp := filepath.Join(dir, name)
		Expect(os.WriteFile(tmp, []byte(content), 0o644)).To(Succeed())
		Expect(os.Rename(tmp, filepath.Join(askDir, name))).To(Succeed())
	}

	receive := func(timeout time.Duration) (string, error) {
		Expect(conn.SetReadDeadline(time.Now().Add(timeout))).To(Succeed())
		b := make([]byte, 128)
		n, _, err := conn.ReadFromUnix(b)
		return string(b[:n]), err
	}

	cached := func() string {
		p, err := cache.Lookup(constants.PassphraseKey)
		if err != nil {
			return ""
		}
		defer p.Close()
		return p.String()
	}

	BeforeEach(func() {
		var err error
		fs, cleanup, err = vfst.NewTestFS(map[string]interface{}{
			"/etc/ykfde.d/challenge-1234": &vfst.File{Perm: 0o400, Contents: []byte(strings.Repeat("A", 64))},
		})
		Expect(err).ToNot(HaveOccurred())

		dir, err = os.MkdirTemp("", "worker")
		Expect(err).ToNot(HaveOccurred())
		askDir = filepath.Join(dir, "ask")
		Expect(os.Mkdir(askDir, 0o755)).To(Succeed())
		socket = filepath.Join(dir, "sck")
		conn, err = net.ListenUnixgram("unixgram", &net.UnixAddr{Name: socket, Net: "unixgram"})
		Expect(err).ToNot(HaveOccurred())

		buf = bytes.Buffer{}
		logger := types.NewBufferLogger(&buf)
		tok = mocks.New(serial)
		cache = keyring.NewMemory()
		notified = nil

		w = worker.New(logger)
		w.Open = tok.Opener()
		w.Store = challenge.NewStore(fs, "/etc/ykfde.d", logger)
		w.Keyring = cache
		w.Config = &config.Config{}
		w.Client = askpass.NewClient(logger)
		w.AskDir = askDir
		w.PIDFile = filepath.Join(dir, "worker.pid")
		w.Timeout = 200 * time.Millisecond
		w.OpenAttempts = 2
		w.OpenDelay = time.Millisecond
		w.Notify = func(state string) {
			mu.Lock()
			defer mu.Unlock()
			notified = append(notified, state)
		}
	})
	AfterEach(func() {
		if CurrentSpecReport().Failed() {
			_, _ = GinkgoWriter.Write(buf.Bytes())
		}
		_ = conn.Close()
		cache.Close()
		cleanup()
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	pidFileGone := func() {
		_, err := os.Stat(w.PIDFile)
		Expect(os.IsNotExist(err)).To(BeTrue())
	}

	lastNotification := func() string {
		mu.Lock()
		defer mu.Unlock()
		Expect(notified).ToNot(BeEmpty())
		return notified[len(notified)-1]
	}

	It("has nothing to do without a token", func() {
		w.Open = mocks.Absent()
		outcome, err := w.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(outcome).To(Equal(worker.OutcomeNothingToDo))
		Expect(outcome.ExitCode()).To(Equal(0))
		pidFileGone()
		Expect(lastNotification()).To(HavePrefix("READY=1"))
	})

	It("has nothing to do without a challenge for the token", func() {
		w.Open = mocks.New(999).Opener()
		outcome, err := w.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(outcome).To(Equal(worker.OutcomeNothingToDo))
		pidFileGone()
	})

	It("answers a pending request and caches the passphrase", func() {
		ask("ask.1")

		outcome, err := w.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(outcome).To(Equal(worker.OutcomeAnswered))

		got, err := receive(time.Second)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal("+" + derive("")))
		Expect(cached()).To(Equal(derive("")))
		pidFileGone()
		Expect(lastNotification()).To(HavePrefix("READY=1"))
	})

	It("answers a request that shows up later", func() {
		w.Timeout = 30 * time.Second
		done := make(chan worker.Outcome, 1)
		go func() {
			defer GinkgoRecover()
			outcome, err := w.Run(context.Background())
			Expect(err).ToNot(HaveOccurred())
			done <- outcome
		}()

		Eventually(func() error { _, err := os.Stat(w.PIDFile); return err }, 5*time.Second).Should(Succeed())
		Eventually(cached, 5*time.Second).ShouldNot(BeEmpty())
		ask("ask.later")

		Eventually(done, 10*time.Second).Should(Receive(Equal(worker.OutcomeAnswered)))
		got, err := receive(time.Second)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal("+" + derive("")))
	})

	It("caches the passphrase when no request comes", func() {
		outcome, err := w.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(outcome).To(Equal(worker.OutcomeCached))
		Expect(cached()).To(Equal(derive("")))
	})

	It("mixes in a cached second factor", func() {
		pin := buffer("hunter2")
		Expect(cache.Store(constants.SecondFactorKey, pin, constants.KeyringTTL)).To(Succeed())
		Expect(pin.Close()).To(Succeed())
		ask("ask.1")

		outcome, err := w.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(outcome).To(Equal(worker.OutcomeAnswered))
		got, err := receive(time.Second)
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal("+" + derive("hunter2")))
	})

	Context("with a second factor required", func() {
		BeforeEach(func() {
			required := true
			w.Config = &config.Config{General: config.Section{SecondFactor: &required}}
		})

		It("answers nothing and times out without the factor", func() {
			ask("ask.1")
			outcome, err := w.Run(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(outcome).To(Equal(worker.OutcomeTimedOut))
			Expect(outcome.ExitCode()).To(Equal(1))
			Expect(cached()).To(BeEmpty())
			Expect(tok.Challenges()).To(BeEmpty())

			_, err = receive(50 * time.Millisecond)
			Expect(err).To(HaveOccurred())
			pidFileGone()
		})

		It("retries when woken after the factor was entered", func() {
			w.Timeout = 30 * time.Second
			// keeps a late SIGUSR1 from killing the suite once Run returned
			guard := make(chan os.Signal, 1)
			signal.Notify(guard, unix.SIGUSR1)
			defer signal.Stop(guard)

			ask("ask.1")
			done := make(chan worker.Outcome, 1)
			go func() {
				defer GinkgoRecover()
				outcome, err := w.Run(context.Background())
				Expect(err).ToNot(HaveOccurred())
				done <- outcome
			}()

			Eventually(func() error { _, err := os.Stat(w.PIDFile); return err }, 5*time.Second).Should(Succeed())
			pid, err := worker.ReadPID(w.PIDFile)
			Expect(err).ToNot(HaveOccurred())
			Expect(pid).To(Equal(os.Getpid()))

			pin := buffer("hunter2")
			Expect(cache.Store(constants.SecondFactorKey, pin, constants.KeyringTTL)).To(Succeed())
			Expect(pin.Close()).To(Succeed())
			Expect(worker.Wake(w.PIDFile)).To(Succeed())

			Eventually(done, 10*time.Second).Should(Receive(Equal(worker.OutcomeAnswered)))
			got, err := receive(time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal("+" + derive("hunter2")))
			pidFileGone()
		})
	})

	It("gives up when the context is cancelled", func() {
		required := true
		w.Config = &config.Config{General: config.Section{SecondFactor: &required}}
		w.Timeout = 30 * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		outcome, err := w.Run(ctx)
		Expect(err).To(HaveOccurred())
		Expect(outcome.ExitCode()).To(Equal(1))
		pidFileGone()
	})
})
