package lock_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/mesaya/payment-service/internal/lock"
)

var _ = Describe("RedisLocker", func() {
	var (
		ctx    context.Context
		mr     *miniredis.Miniredis
		client *redis.Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		mr = miniredis.RunT(GinkgoT())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(client.Close)
	})

	It("holds the key until unlocked", func() {
		// Given
		l := lock.NewRedisLocker(client, "test:lock", time.Minute)
		unlock, err := l.Lock(ctx, "pay-1")
		Expect(err).ToNot(HaveOccurred())

		// When
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err = l.Lock(waitCtx, "pay-1")

		// Then
		Expect(err).To(MatchError(context.DeadlineExceeded))

		unlock()
		Expect(mr.Exists("test:lock:pay-1")).To(BeFalse())
		again, err := l.Lock(ctx, "pay-1")
		Expect(err).ToNot(HaveOccurred())
		again()
	})

	It("does not block other keys", func() {
		l := lock.NewRedisLocker(client, "test:lock", time.Minute)
		unlockA, err := l.Lock(ctx, "pay-a")
		Expect(err).ToNot(HaveOccurred())
		defer unlockA()

		unlockB, err := l.Lock(ctx, "pay-b")
		Expect(err).ToNot(HaveOccurred())
		unlockB()
	})

	It("frees an abandoned key after its ttl", func() {
		l := lock.NewRedisLocker(client, "test:lock", time.Second)
		_, err := l.Lock(ctx, "pay-2")
		Expect(err).ToNot(HaveOccurred())

		mr.FastForward(2 * time.Second)

		unlock, err := l.Lock(ctx, "pay-2")
		Expect(err).ToNot(HaveOccurred())
		unlock()
	})

	It("leaves a newer holder's lock alone on a stale unlock", func() {
		// Given the first holder outlived its ttl and a second one took the key
		l := lock.NewRedisLocker(client, "test:lock", time.Second)
		stale, err := l.Lock(ctx, "pay-3")
		Expect(err).ToNot(HaveOccurred())
		mr.FastForward(2 * time.Second)
		current, err := l.Lock(ctx, "pay-3")
		Expect(err).ToNot(HaveOccurred())
		token, err := mr.Get("test:lock:pay-3")
		Expect(err).ToNot(HaveOccurred())

		// When
		stale()

		// Then
		held, err := mr.Get("test:lock:pay-3")
		Expect(err).ToNot(HaveOccurred())
		Expect(held).To(Equal(token))

		current()
		Expect(mr.Exists("test:lock:pay-3")).To(BeFalse())
	})
})
