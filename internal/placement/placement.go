package placement

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/akimenko/webpress/internal/entities"
)

// BlobStore is the slice of the blob layer the decider needs.
type BlobStore interface {
	Upload(ctx context.Context, key, contentType string, data []byte, meta map[string]string) (string, error)
	Bucket() string
}

// Error is a blob write failure during the fallback placement. The
// derivative is never silently dropped: blob placement is always attempted
// before giving up.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("place %s in blob storage: %v", e.Key, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Account tracks cumulative inline bytes for one document. Items of a
// fan-out share one account, so reservation has to be atomic.
type Account struct {
	mu     sync.Mutex
	budget int64
	used   int64
}

// NewAccount starts an account at used bytes (derivatives already inlined in
// the document by earlier passes) against the per-document budget.
func NewAccount(budget, used int64) *Account {
	return &Account{budget: budget, used: used}
}

// TryReserve reserves n bytes if they still fit under the budget.
func (a *Account) TryReserve(n int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.used+n > a.budget {
		return false
	}
	a.used += n
	return true
}

func (a *Account) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

type Decider struct {
	blob BlobStore
}

func NewDecider(blob BlobStore) *Decider {
	return &Decider{blob: blob}
}

// Decide places the derivative inline when it fits the document's remaining
// budget, otherwise relocates it to blob storage under key and returns only
// the reference URL.
func (d *Decider) Decide(ctx context.Context, der *entities.EncodedDerivative, acct *Account, key string) (entities.Placement, error) {
	if acct.TryReserve(int64(der.EncodedSize)) {
		return entities.Placement{
			Kind:  entities.PlacementInline,
			Value: DataURL(der.Data),
			Size:  der.EncodedSize,
		}, nil
	}

	url, err := d.blob.Upload(ctx, key, "image/webp", der.Data, nil)
	if err != nil {
		return entities.Placement{}, &Error{Key: key, Err: err}
	}
	return entities.Placement{
		Kind:   entities.PlacementBlob,
		Value:  url,
		Bucket: d.blob.Bucket(),
		Size:   der.EncodedSize,
	}, nil
}

// DataURL wraps encoded WebP bytes as a self-describing inline payload.
func DataURL(data []byte) string {
	return "data:image/webp;base64," + base64.StdEncoding.EncodeToString(data)
}
