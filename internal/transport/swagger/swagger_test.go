package swagger_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mesaya/payment-service/internal/transport/swagger"
)

func TestSwagger(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Swagger Suite")
}

var _ = Describe("Load", func() {
	It("validates the bundled API description", func() {
		doc, err := swagger.Load(context.Background(), "../../../api/openapi.yml")

		Expect(err).ToNot(HaveOccurred())
		for _, path := range []string{
			"/payments",
			"/payments/{id}/refund",
			"/webhooks/{gateway}",
			"/webhooks/partner",
			"/partners/{id}/rotate-secret",
		} {
			Expect(doc.Spec.Paths.Value(path)).ToNot(BeNil(), path)
		}
	})

	It("serves the raw document", func() {
		doc, err := swagger.Load(context.Background(), "../../../api/openapi.yml")
		Expect(err).ToNot(HaveOccurred())

		rec := httptest.NewRecorder()
		doc.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, swagger.SpecPath, nil))

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(HavePrefix("openapi: 3.0.3"))
	})

	It("fails for a missing file", func() {
		_, err := swagger.Load(context.Background(), "does-not-exist.yml")

		Expect(err).To(HaveOccurred())
	})
})
