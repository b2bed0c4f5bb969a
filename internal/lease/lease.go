package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lease implements the optional at-most-once guard between concurrent batch
// invocations: a short per-document redis key taken with SET NX. Whether
// this guarantee is on at all is configuration, not an assumption.
type Lease struct {
	holder    *Holder
	namespace string
	ttl       time.Duration
}

func New(holder *Holder, ttl time.Duration) *Lease {
	return &Lease{holder: holder, namespace: "webpress:lease", ttl: ttl}
}

// Acquire takes the document lease. ok=false means another invocation holds
// it. The returned release func compares the stored token before deleting so
// an expired lease reacquired elsewhere is never released from here.
func (l *Lease) Acquire(ctx context.Context, docID string) (func(), bool, error) {
	rc := l.holder.Get()
	key := l.namespace + ":" + docID
	token := uuid.NewString()

	ok, err := rc.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		val, err := l.holder.Get().Get(releaseCtx, key).Result()
		if err != nil || val != token {
			return
		}
		_ = l.holder.Get().Del(releaseCtx, key).Err()
	}
	return release, true, nil
}
