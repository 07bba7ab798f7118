package signature_test

import (
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/webhook/signature"
)

func TestSignature(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Signature Suite")
}

func flipBit(b []byte, bit int) []byte {
	out := append([]byte(nil), b...)
	out[bit/8] ^= 1 << (bit % 8)
	return out
}

func isInvalidSignature(err error) bool {
	return internal.HasCode(err, internal.ErrCodeInvalidSignature)
}

var _ = Describe("Verifier", func() {
	var (
		now      time.Time
		verifier *signature.Verifier
		body     []byte
		secret   string
	)

	BeforeEach(func() {
		now = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
		verifier = signature.NewVerifier(0, slog.New(slog.NewTextHandler(io.Discard, nil))).
			WithClock(func() time.Time { return now })
		body = []byte(`{"id":"evt_1","type":"payment.succeeded","data":{"provider_payment_id":"pi_1"}}`)
		secret = "whsec_0123456789abcdef0123456789abcdef0123456789abcdef"
	})

	DescribeTable("accepts a valid signature and rejects every single-bit mutation",
		func(scheme signature.Scheme) {
			// Given
			header := signature.Sign(scheme, secret, body, now)
			Expect(verifier.Verify("test", scheme, body, header, secret)).To(Succeed())

			// When the body is mutated
			for bit := 0; bit < len(body)*8; bit++ {
				err := verifier.Verify("test", scheme, flipBit(body, bit), header, secret)
				// Then
				Expect(isInvalidSignature(err)).To(BeTrue(), "body bit %d", bit)
			}

			// When the secret is mutated
			for bit := 0; bit < len(secret)*8; bit++ {
				err := verifier.Verify("test", scheme, body, header, string(flipBit([]byte(secret), bit)))
				// Then
				Expect(isInvalidSignature(err)).To(BeTrue(), "secret bit %d", bit)
			}
		},
		Entry("hex", signature.SchemeHex),
		Entry("base64", signature.SchemeBase64),
		Entry("timestamped", signature.SchemeTimestamped),
	)

	It("rejects a missing header", func() {
		err := verifier.Verify("test", signature.SchemeHex, body, "  ", secret)
		Expect(isInvalidSignature(err)).To(BeTrue())
	})

	It("rejects when no secret is configured", func() {
		header := signature.SignHex(secret, body)
		Expect(isInvalidSignature(verifier.Verify("test", signature.SchemeHex, body, header))).To(BeTrue())
	})

	It("falls back to the previous secret", func() {
		// Given
		previous := "whsec_previous"
		header := signature.SignTimestamped(previous, body, now)

		// Then
		Expect(verifier.Verify("partner", signature.SchemeTimestamped, body, header, secret, previous)).To(Succeed())
		Expect(isInvalidSignature(verifier.Verify("partner", signature.SchemeTimestamped, body, header, secret))).To(BeTrue())
	})

	Describe("timestamped scheme", func() {
		It("enforces the tolerance window", func() {
			// Given
			stale := signature.SignTimestamped(secret, body, now.Add(-301*time.Second))
			future := signature.SignTimestamped(secret, body, now.Add(301*time.Second))
			edge := signature.SignTimestamped(secret, body, now.Add(-300*time.Second))

			// Then
			Expect(isInvalidSignature(verifier.Verify("test", signature.SchemeTimestamped, body, stale, secret))).To(BeTrue())
			Expect(isInvalidSignature(verifier.Verify("test", signature.SchemeTimestamped, body, future, secret))).To(BeTrue())
			Expect(verifier.Verify("test", signature.SchemeTimestamped, body, edge, secret)).To(Succeed())
		})

		It("accepts any of several v1 values", func() {
			// Given
			valid := signature.SignTimestamped(secret, body, now)
			header := "t=" + strconv.FormatInt(now.Unix(), 10) + ",v1=deadbeef," + valid[len("t=")+len(strconv.FormatInt(now.Unix(), 10))+1:]

			// Then
			Expect(verifier.Verify("test", signature.SchemeTimestamped, body, header, secret)).To(Succeed())
		})

		It("rejects headers without timestamp or signature", func() {
			Expect(isInvalidSignature(verifier.Verify("test", signature.SchemeTimestamped, body, "v1=abcd", secret))).To(BeTrue())
			Expect(isInvalidSignature(verifier.Verify("test", signature.SchemeTimestamped, body, "t=123", secret))).To(BeTrue())
		})
	})

	It("parses scheme names", func() {
		s, err := signature.ParseScheme("HEX")
		Expect(err).ToNot(HaveOccurred())
		Expect(s).To(Equal(signature.SchemeHex))

		_, err = signature.ParseScheme("md5")
		Expect(err).To(HaveOccurred())
	})
})
