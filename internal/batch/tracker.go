package batch

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/akimenko/webpress/internal/entities"
	"github.com/akimenko/webpress/internal/pipeline"
	"github.com/akimenko/webpress/internal/placement"
)

// Store is the slice of the record store the tracker drives.
type Store interface {
	Get(ctx context.Context, id string) (entities.Document, error)
	ScanIncomplete(ctx context.Context, limit int) ([]entities.Document, error)
	ScanComplete(ctx context.Context, limit int) ([]entities.Document, error)
	ListIDs(ctx context.Context, limit int) ([]string, error)
	Count(ctx context.Context) (int, error)
	ApplyUpdate(ctx context.Context, id string, writes map[string]any, deletes []string) error
	MarkComplete(ctx context.Context, id string) error
	ClearComplete(ctx context.Context, id string) error
}

// Converter fans one document's assets out through the pipeline and returns
// results in input order.
type Converter interface {
	ExecuteAll(ctx context.Context, assets []entities.MediaAsset, acct *placement.Account) []pipeline.ItemResult
}

// Relocator copies video bytes verbatim to blob storage.
type Relocator interface {
	RelocateVideo(ctx context.Context, asset entities.MediaAsset) (entities.Placement, int, error)
}

// Locker guards a document against concurrent batch invocations. ok=false
// means another invocation holds the document and it should be skipped. A
// nil Locker disables the guarantee and accepts redundant work.
type Locker interface {
	Acquire(ctx context.Context, docID string) (release func(), ok bool, err error)
}

// Tracker walks the corpus in bounded slices, drives unfinished documents
// through the pipeline and records completion state so re-runs skip work
// already done. Documents are processed one at a time to respect the fixed
// memory ceiling; fields within a document fan out concurrently.
type Tracker struct {
	store  Store
	exec   Converter
	reloc  Relocator
	schema entities.MediaSchema
	budget int64
	locker Locker
}

func NewTracker(store Store, exec Converter, reloc Relocator, schema entities.MediaSchema, budget int64, locker Locker) *Tracker {
	return &Tracker{
		store:  store,
		exec:   exec,
		reloc:  reloc,
		schema: schema,
		budget: budget,
		locker: locker,
	}
}

// NextSlice returns up to limit unfinished document ids. The slice is
// re-derived from the corpus scan each call, a best-effort cursor rather
// than a strict offset.
func (t *Tracker) NextSlice(ctx context.Context, limit int) ([]string, error) {
	docs, err := t.store.ScanIncomplete(ctx, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

// ListOnly bypasses completion filtering and returns raw corpus identifiers
// plus the corpus size. It never mutates state.
func (t *Tracker) ListOnly(ctx context.Context, limit int) ([]string, int, error) {
	ids, err := t.store.ListIDs(ctx, limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := t.store.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return ids, total, nil
}

// ConvertCorpus takes the next bounded slice of unfinished documents and
// converts them. Per-document failure is isolated: one broken document never
// aborts the rest of the slice. Returns how many documents reached the
// completed state this invocation.
func (t *Tracker) ConvertCorpus(ctx context.Context, limit int) (int, error) {
	docs, err := t.store.ScanIncomplete(ctx, limit)
	if err != nil {
		return 0, err
	}

	converted := 0
	for _, doc := range docs {
		release, ok, err := t.acquire(ctx, doc.ID)
		if err != nil {
			log.Printf("[batch] lease %s: %v", doc.ID, err)
		}
		if !ok {
			continue
		}

		done, err := t.convertDocument(ctx, doc)
		if release != nil {
			release()
		}
		if err != nil {
			log.Printf("[batch] document %s: %v", doc.ID, err)
			sentry.CaptureException(err)
			continue
		}
		if done {
			converted++
		}
	}
	return converted, nil
}

func (t *Tracker) acquire(ctx context.Context, docID string) (func(), bool, error) {
	if t.locker == nil {
		return nil, true, nil
	}
	release, ok, err := t.locker.Acquire(ctx, docID)
	if err != nil {
		// Lease trouble degrades to the unguarded behavior: redundant work
		// over stalled batches.
		return nil, true, err
	}
	return release, ok, nil
}

func (t *Tracker) convertDocument(ctx context.Context, doc entities.Document) (bool, error) {
	assets := t.eligibleAssets(doc)
	if len(assets) == 0 {
		// Nothing left to convert: every media slot is absent or terminal.
		if err := t.store.MarkComplete(ctx, doc.ID); err != nil {
			return false, err
		}
		return true, nil
	}

	acct := placement.NewAccount(t.budget, inlineUsage(doc, t.schema))
	results := t.exec.ExecuteAll(ctx, assets, acct)

	writes := map[string]any{}
	allTerminal := true
	for _, res := range results {
		terminal := collectFieldWrites(writes, doc, res)
		if !terminal {
			allTerminal = false
		}
		if res.Err != nil && !res.Dropped() {
			log.Printf("[batch] field %s.%s: %v", doc.ID, res.Asset.Field, res.Err)
			sentry.CaptureException(res.Err)
		}
	}

	if len(writes) > 0 {
		if err := t.store.ApplyUpdate(ctx, doc.ID, writes, nil); err != nil {
			// A completed blob upload stays put; the document remains
			// unfinished and is retried on the next invocation.
			sentry.CaptureException(err)
			return false, err
		}
	}

	if !allTerminal {
		return false, nil
	}
	if err := t.store.MarkComplete(ctx, doc.ID); err != nil {
		return false, err
	}
	return true, nil
}

// eligibleAssets enumerates image slots from the ordered schema and keeps
// the ones still carrying a remote origin URL with no terminal marker.
func (t *Tracker) eligibleAssets(doc entities.Document) []entities.MediaAsset {
	var assets []entities.MediaAsset
	for _, slot := range t.schema.ImageSlots {
		url, ok := doc.StringField(slot)
		if !ok || !isRemoteURL(url) {
			continue
		}
		if doc.BoolField(slot+entities.SuffixConverted) || doc.BoolField(slot+entities.SuffixBlocked) {
			continue
		}
		if _, failed := doc.Fields[slot+entities.SuffixFailed]; failed {
			continue
		}
		if _, dropped := doc.Fields[slot+entities.SuffixDropped]; dropped {
			continue
		}
		assets = append(assets, entities.MediaAsset{
			DocID: doc.ID,
			Field: slot,
			URL:   url,
			Index: len(assets),
		})
	}
	return assets
}

// collectFieldWrites folds one item result into the document's pending field
// writes and reports whether the field reached a terminal state. The backup
// key is always part of the same write set as the primary overwrite; failed
// and dropped fields get a marker only, leaving the origin reference as-is.
func collectFieldWrites(writes map[string]any, doc entities.Document, res pipeline.ItemResult) (terminal bool) {
	slot := res.Asset.Field

	switch {
	case res.Err == nil:
		if _, ok := doc.StringField(slot + entities.SuffixOriginal); !ok {
			writes[slot+entities.SuffixOriginal] = res.Asset.URL
		}
		writes[slot] = res.Placement.Value
		writes[slot+entities.SuffixConverted] = true
		writes[slot+entities.SuffixRatio] = res.Ratio
		writes[slot+entities.SuffixSize] = res.EncodedSize
		if res.Placement.Kind == entities.PlacementInline {
			writes[slot+entities.SuffixInRecord] = true
		} else {
			writes[slot+entities.SuffixInStorage] = true
		}
		return true

	case res.Dropped():
		// Visible marker so "budget can never fit" is distinguishable from
		// "never attempted"; counts as terminal for document completion.
		writes[slot+entities.SuffixDropped] = time.Now().UTC().Format(time.RFC3339)
		return true

	case res.Blocked():
		writes[slot+entities.SuffixBlocked] = true
		return true

	default:
		writes[slot+entities.SuffixFailed] = res.Err.Error()
		return true
	}
}

// Reset reverts up to limit completed documents: restores each backed-up
// origin URL into its primary field, clears all conversion markers and
// clears the completion flag. Restoration is driven by backup presence, so
// re-running reset on the same document is safe.
func (t *Tracker) Reset(ctx context.Context, limit int) (int, error) {
	docs, err := t.store.ScanComplete(ctx, limit)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, doc := range docs {
		writes := map[string]any{}
		var deletes []string
		for _, base := range markedFields(doc) {
			if orig, ok := doc.StringField(base + entities.SuffixOriginal); ok {
				writes[base] = orig
			}
			for _, suffix := range entities.MarkerSuffixes {
				deletes = append(deletes, base+suffix)
			}
		}

		if len(writes) > 0 || len(deletes) > 0 {
			if err := t.store.ApplyUpdate(ctx, doc.ID, writes, deletes); err != nil {
				log.Printf("[batch] reset %s: %v", doc.ID, err)
				sentry.CaptureException(err)
				continue
			}
		}
		if err := t.store.ClearComplete(ctx, doc.ID); err != nil {
			log.Printf("[batch] reset %s: %v", doc.ID, err)
			sentry.CaptureException(err)
			continue
		}
		count++
	}
	return count, nil
}

// markedFields collects the base field names that carry any conversion
// marker, deduplicated in stable order.
func markedFields(doc entities.Document) []string {
	seen := map[string]bool{}
	var bases []string
	for key := range doc.Fields {
		for _, suffix := range entities.MarkerSuffixes {
			if strings.HasSuffix(key, suffix) {
				base := strings.TrimSuffix(key, suffix)
				if base != "" && !seen[base] {
					seen[base] = true
					bases = append(bases, base)
				}
				break
			}
		}
	}
	sort.Strings(bases)
	return bases
}

func inlineUsage(doc entities.Document, schema entities.MediaSchema) int64 {
	var used int64
	for _, slot := range schema.ImageSlots {
		if !doc.BoolField(slot + entities.SuffixInRecord) {
			continue
		}
		if size, ok := doc.Fields[slot+entities.SuffixSize].(float64); ok {
			used += int64(size)
		}
	}
	return used
}

func isRemoteURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}
