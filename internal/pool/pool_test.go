package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, endpoints []Endpoint, opts ...Option) *Pool {
	t.Helper()
	p, err := New(endpoints, http.DefaultClient, nil, opts...)
	require.NoError(t, err)
	return p
}

func TestAcquire_SingleCaptionSlot(t *testing.T) {
	p := newTestPool(t, []Endpoint{{Name: ServiceCaption, URL: "http://caption:8000", Limit: 1}})
	ctx := context.Background()

	first, err := p.Acquire(ctx, ServiceCaption)
	require.NoError(t, err)

	// Second acquire must block while the slot is held.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(blocked, ServiceCaption)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	first.Release()
	first.Release() // double release is a no-op

	second, err := p.Acquire(ctx, ServiceCaption)
	require.NoError(t, err)
	second.Release()
}

func TestAcquire_ConcurrentHoldersUpToLimit(t *testing.T) {
	p := newTestPool(t, []Endpoint{{Name: ServiceDetect, URL: "http://detect:8000", Limit: 2}})
	ctx := context.Background()

	a, err := p.Acquire(ctx, ServiceDetect)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, ServiceDetect)
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(blocked, ServiceDetect)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	a.Release()
	b.Release()
}

func TestAcquire_UnknownService(t *testing.T) {
	p := newTestPool(t, nil)
	_, err := p.Acquire(context.Background(), "mystery")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestProbe_TakesServiceOutAndBack(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPool(t,
		[]Endpoint{{Name: ServiceRating, URL: srv.URL, Limit: 4}},
		WithFailureThreshold(2),
	)
	ctx := context.Background()

	svc := p.services[ServiceRating]
	p.probe(ctx, svc)
	assert.True(t, p.Healthy(ServiceRating))

	// Out of rotation only after the threshold is crossed.
	failing.Store(true)
	p.probe(ctx, svc)
	assert.True(t, p.Healthy(ServiceRating))
	p.probe(ctx, svc)
	assert.False(t, p.Healthy(ServiceRating))

	// While the service is out, Acquire waits; a caller whose deadline
	// runs out first gets the unhealthy error.
	short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	_, err := p.Acquire(short, ServiceRating)
	assert.ErrorIs(t, err, ErrServiceUnhealthy)

	// One good probe restores rotation.
	failing.Store(false)
	p.probe(ctx, svc)
	assert.True(t, p.Healthy(ServiceRating))

	lease, err := p.Acquire(ctx, ServiceRating)
	require.NoError(t, err)
	lease.Release()
}

func TestAcquire_WaitsOutRecovery(t *testing.T) {
	p := newTestPool(t, []Endpoint{{Name: ServiceCaption, URL: "http://caption:8000", Limit: 1}})
	svc := p.services[ServiceCaption]

	svc.mu.Lock()
	svc.healthy = false
	svc.mu.Unlock()

	go func() {
		time.Sleep(150 * time.Millisecond)
		svc.mu.Lock()
		svc.healthy = true
		svc.mu.Unlock()
	}()

	// The caller's deadline outlives the outage, so the acquire succeeds
	// once the service is back instead of failing fast.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lease, err := p.Acquire(ctx, ServiceCaption)
	require.NoError(t, err)
	lease.Release()
}

func TestProbe_TreatsRouteMissesAsAlive(t *testing.T) {
	// Model servers that 404 or 405 their root are still alive.
	for _, status := range []int{http.StatusNotFound, http.StatusMethodNotAllowed} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		p := newTestPool(t,
			[]Endpoint{{Name: ServiceCaption, URL: srv.URL, Limit: 1}},
			WithFailureThreshold(1),
		)
		p.probe(context.Background(), p.services[ServiceCaption])
		assert.True(t, p.Healthy(ServiceCaption), "status %d", status)
		srv.Close()
	}
}

func TestProbe_SendsBearerToken(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPool(t, []Endpoint{{Name: ServiceCaption, URL: srv.URL, Token: "s3cret", Limit: 1}})
	p.probe(context.Background(), p.services[ServiceCaption])

	assert.Equal(t, "Bearer s3cret", gotAuth.Load())
}
