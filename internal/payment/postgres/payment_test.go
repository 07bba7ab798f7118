package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/core/datamodel/payment"
	paymentpkg "github.com/mesaya/payment-service/internal/payment"
)

func TestPaymentRepository(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "Payment Repository Suite")
}

func strPtr(s string) *string { return &s }

var _ = ginkgo.Describe("PaymentRepository", func() {
	var (
		db   *gorm.DB
		repo *PaymentRepository
		ctx  context.Context
	)

	newPayment := func(id string) *payment.Payment {
		return &payment.Payment{
			ID:            id,
			AmountMinor:   5000,
			Currency:      "usd",
			Status:        payment.StatusPending,
			Provider:      "mock",
			PaymentType:   payment.TypeReservation,
			ReservationID: strPtr("res-1"),
		}
	}

	ginkgo.BeforeEach(func() {
		var err error
		db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger:  logger.Default.LogMode(logger.Silent),
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		sqlDB, err := db.DB()
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		sqlDB.SetMaxOpenConns(1)

		gomega.Expect(db.AutoMigrate(&payment.Payment{})).To(gomega.Succeed())
		repo = NewPaymentRepository(db)
		ctx = context.Background()
	})

	ginkgo.Describe("GetByID", func() {
		ginkgo.It("returns the stored payment", func() {
			// Given
			gomega.Expect(repo.Create(ctx, newPayment("p-1"))).To(gomega.Succeed())

			// When
			p, err := repo.GetByID(ctx, "p-1")

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(p.AmountMinor).To(gomega.Equal(int64(5000)))
			gomega.Expect(p.Status).To(gomega.Equal(payment.StatusPending))
		})

		ginkgo.It("returns ErrPaymentNotFound for unknown ids", func() {
			_, err := repo.GetByID(ctx, "missing")
			gomega.Expect(err).To(gomega.MatchError(internal.ErrPaymentNotFound))
		})
	})

	ginkgo.Describe("AttachIntent", func() {
		ginkgo.It("sets the provider reference once", func() {
			// Given
			gomega.Expect(repo.Create(ctx, newPayment("p-1"))).To(gomega.Succeed())

			// When
			err1 := repo.AttachIntent(ctx, "p-1", "pi_1", "https://pay.example/1")
			err2 := repo.AttachIntent(ctx, "p-1", "pi_1", "https://pay.example/1")
			err3 := repo.AttachIntent(ctx, "p-1", "pi_2", "")

			// Then
			gomega.Expect(err1).ToNot(gomega.HaveOccurred())
			gomega.Expect(err2).ToNot(gomega.HaveOccurred())
			gomega.Expect(internal.HasCode(err3, internal.ErrCodeConflict)).To(gomega.BeTrue())

			p, err := repo.GetByProviderPaymentID(ctx, "pi_1")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(*p.CheckoutURL).To(gomega.Equal("https://pay.example/1"))
		})
	})

	ginkgo.Describe("UpdateStatus", func() {
		ginkgo.BeforeEach(func() {
			gomega.Expect(repo.Create(ctx, newPayment("p-1"))).To(gomega.Succeed())
		})

		ginkgo.It("moves the status when the source matches", func() {
			// When
			err := repo.UpdateStatus(ctx, "p-1", payment.StatusPending, payment.StatusFailed,
				paymentpkg.StatusChange{FailureReason: strPtr("card_declined")})

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			p, _ := repo.GetByID(ctx, "p-1")
			gomega.Expect(p.Status).To(gomega.Equal(payment.StatusFailed))
			gomega.Expect(*p.FailureReason).To(gomega.Equal("card_declined"))
		})

		ginkgo.It("reports a conflict when another writer moved it first", func() {
			// Given
			gomega.Expect(repo.UpdateStatus(ctx, "p-1", payment.StatusPending, payment.StatusSucceeded,
				paymentpkg.StatusChange{})).To(gomega.Succeed())

			// When
			err := repo.UpdateStatus(ctx, "p-1", payment.StatusPending, payment.StatusCancelled, paymentpkg.StatusChange{})

			// Then
			gomega.Expect(internal.HasCode(err, internal.ErrCodeConflict)).To(gomega.BeTrue())
			p, _ := repo.GetByID(ctx, "p-1")
			gomega.Expect(p.Status).To(gomega.Equal(payment.StatusSucceeded))
		})

		ginkgo.It("returns not found for unknown payments", func() {
			err := repo.UpdateStatus(ctx, "nope", payment.StatusPending, payment.StatusFailed, paymentpkg.StatusChange{})
			gomega.Expect(err).To(gomega.MatchError(internal.ErrPaymentNotFound))
		})
	})

	ginkgo.Describe("listing", func() {
		ginkgo.It("lists payments of a reservation and stale pending ones", func() {
			// Given
			old := newPayment("p-old")
			old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
			gomega.Expect(repo.Create(ctx, old)).To(gomega.Succeed())
			gomega.Expect(repo.Create(ctx, newPayment("p-new"))).To(gomega.Succeed())

			// When
			byReservation, err1 := repo.ListByReservation(ctx, "res-1")
			stale, err2 := repo.ListStalePending(ctx, time.Now().UTC().Add(-time.Hour), 10)

			// Then
			gomega.Expect(err1).ToNot(gomega.HaveOccurred())
			gomega.Expect(err2).ToNot(gomega.HaveOccurred())
			gomega.Expect(byReservation).To(gomega.HaveLen(2))
			gomega.Expect(stale).To(gomega.HaveLen(1))
			gomega.Expect(stale[0].ID).To(gomega.Equal("p-old"))
		})
	})
})
