package auth_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/auth"
)

func TestAuth(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Auth Suite")
}

func publicPEM(key *rsa.PrivateKey) string {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	Expect(err).ToNot(HaveOccurred())
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

var _ = Describe("TokenVerifier", func() {
	var (
		key      *rsa.PrivateKey
		verifier *auth.TokenVerifier
	)

	sign := func(claims auth.Claims, method jwt.SigningMethod, signingKey interface{}) string {
		token, err := jwt.NewWithClaims(method, claims).SignedString(signingKey)
		Expect(err).ToNot(HaveOccurred())
		return token
	}

	claims := func(expiresIn time.Duration) auth.Claims {
		return auth.Claims{
			Service: "reservations",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "mesaya-auth",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			},
		}
	}

	BeforeEach(func() {
		var err error
		key, err = rsa.GenerateKey(rand.Reader, 2048)
		Expect(err).ToNot(HaveOccurred())
		verifier, err = auth.NewTokenVerifier(base64.StdEncoding.EncodeToString([]byte(publicPEM(key))), "mesaya-auth")
		Expect(err).ToNot(HaveOccurred())
	})

	It("accepts a valid service token", func() {
		got, err := verifier.Verify(sign(claims(time.Minute), jwt.SigningMethodRS256, key))

		Expect(err).ToNot(HaveOccurred())
		Expect(got.Service).To(Equal("reservations"))
	})

	It("accepts a raw PEM key", func() {
		v, err := auth.NewTokenVerifier(publicPEM(key), "")
		Expect(err).ToNot(HaveOccurred())

		_, err = v.Verify(sign(claims(time.Minute), jwt.SigningMethodRS256, key))
		Expect(err).ToNot(HaveOccurred())
	})

	It("reports expired tokens", func() {
		_, err := verifier.Verify(sign(claims(-time.Minute), jwt.SigningMethodRS256, key))

		Expect(internal.HasCode(err, internal.ErrCodeTokenExpired)).To(BeTrue())
	})

	It("rejects HMAC tokens", func() {
		_, err := verifier.Verify(sign(claims(time.Minute), jwt.SigningMethodHS256, []byte("shared")))

		Expect(internal.HasCode(err, internal.ErrCodeInvalidToken)).To(BeTrue())
	})

	It("rejects another issuer", func() {
		c := claims(time.Minute)
		c.Issuer = "someone-else"

		_, err := verifier.Verify(sign(c, jwt.SigningMethodRS256, key))

		Expect(internal.HasCode(err, internal.ErrCodeInvalidToken)).To(BeTrue())
	})

	It("rejects tokens signed by another key", func() {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		Expect(err).ToNot(HaveOccurred())

		_, err = verifier.Verify(sign(claims(time.Minute), jwt.SigningMethodRS256, other))

		Expect(internal.HasCode(err, internal.ErrCodeInvalidToken)).To(BeTrue())
	})
})

var _ = Describe("AdminKey", func() {
	It("matches only the hashed key", func() {
		hash, err := auth.HashAdminKey("s3cret-admin")
		Expect(err).ToNot(HaveOccurred())
		admin := auth.NewAdminKey(hash)

		Expect(admin.Check("s3cret-admin")).To(Succeed())
		Expect(internal.HasCode(admin.Check("wrong"), internal.ErrCodeInvalidAdminKey)).To(BeTrue())
		Expect(internal.HasCode(admin.Check(""), internal.ErrCodeInvalidAdminKey)).To(BeTrue())
	})

	It("refuses everything without a configured hash", func() {
		Expect(auth.NewAdminKey("").Check("anything")).ToNot(Succeed())
	})
})
