package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/akimenko/webpress/internal/entities"
	"github.com/akimenko/webpress/internal/pipeline"
	"github.com/akimenko/webpress/internal/placement"
	"github.com/akimenko/webpress/internal/transcoder"
)

// memStore is an in-memory Store for exercising the tracker without a
// database.
type memStore struct {
	mu        sync.Mutex
	docs      map[string]*entities.Document
	mutations int
}

func newMemStore() *memStore {
	return &memStore{docs: map[string]*entities.Document{}}
}

func (m *memStore) add(id string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fields == nil {
		fields = map[string]any{}
	}
	m.docs[id] = &entities.Document{ID: id, Fields: fields}
}

func (m *memStore) ids(filter func(*entities.Document) bool) []string {
	var out []string
	for id, doc := range m.docs {
		if filter(doc) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (m *memStore) Get(ctx context.Context, id string) (entities.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return entities.Document{}, fmt.Errorf("document %s not found", id)
	}
	return copyDoc(doc), nil
}

func (m *memStore) ScanIncomplete(ctx context.Context, limit int) ([]entities.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entities.Document
	for _, id := range m.ids(func(d *entities.Document) bool { return !d.Complete }) {
		if len(out) == limit {
			break
		}
		out = append(out, copyDoc(m.docs[id]))
	}
	return out, nil
}

func (m *memStore) ScanComplete(ctx context.Context, limit int) ([]entities.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entities.Document
	for _, id := range m.ids(func(d *entities.Document) bool { return d.Complete }) {
		if len(out) == limit {
			break
		}
		out = append(out, copyDoc(m.docs[id]))
	}
	return out, nil
}

func (m *memStore) ListIDs(ctx context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.ids(func(*entities.Document) bool { return true })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs), nil
}

func (m *memStore) ApplyUpdate(ctx context.Context, id string, writes map[string]any, deletes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("document %s not found", id)
	}
	m.mutations++
	for _, key := range deletes {
		delete(doc.Fields, key)
	}
	for key, value := range writes {
		doc.Fields[key] = value
	}
	return nil
}

func (m *memStore) MarkComplete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	m.docs[id].Complete = true
	return nil
}

func (m *memStore) ClearComplete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	m.docs[id].Complete = false
	m.docs[id].CompletedAt = nil
	return nil
}

func copyDoc(doc *entities.Document) entities.Document {
	fields := make(map[string]any, len(doc.Fields))
	for k, v := range doc.Fields {
		fields[k] = v
	}
	return entities.Document{ID: doc.ID, Fields: fields, Complete: doc.Complete, CompletedAt: doc.CompletedAt}
}

// scriptedConverter resolves each asset by URL from a fixed script.
type scriptedConverter struct {
	mu      sync.Mutex
	results map[string]pipeline.ItemResult
	calls   int
}

func (c *scriptedConverter) ExecuteAll(ctx context.Context, assets []entities.MediaAsset, acct *placement.Account) []pipeline.ItemResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	out := make([]pipeline.ItemResult, len(assets))
	for i, asset := range assets {
		res, ok := c.results[asset.URL]
		if !ok {
			res = pipeline.ItemResult{Err: fmt.Errorf("no script for %s", asset.URL)}
		}
		res.Index = i
		res.Asset = asset
		out[i] = res
	}
	return out
}

type scriptedRelocator struct {
	placement entities.Placement
	size      int
	err       error
}

func (r *scriptedRelocator) RelocateVideo(ctx context.Context, asset entities.MediaAsset) (entities.Placement, int, error) {
	if r.err != nil {
		return entities.Placement{}, 0, r.err
	}
	return r.placement, r.size, nil
}

func ok(url string) pipeline.ItemResult {
	return pipeline.ItemResult{
		Placement:    &entities.Placement{Kind: entities.PlacementInline, Value: "data:image/webp;base64,AA=="},
		Tier:         entities.TierA,
		OriginalSize: 1000,
		EncodedSize:  400,
		Ratio:        0.6,
	}
}

func newTestTracker(store Store, conv Converter, reloc Relocator) *Tracker {
	return NewTracker(store, conv, reloc, entities.DefaultSchema(), 900<<10, nil)
}

func TestConvertCorpusHonorsLimitAndIsIdempotent(t *testing.T) {
	store := newMemStore()
	conv := &scriptedConverter{results: map[string]pipeline.ItemResult{}}
	for i := 0; i < 5; i++ {
		url := fmt.Sprintf("https://origin.test/%d.jpg", i)
		store.add(fmt.Sprintf("doc%d", i), map[string]any{"image0": url})
		conv.results[url] = ok(url)
	}
	tr := newTestTracker(store, conv, nil)

	converted, err := tr.ConvertCorpus(context.Background(), 2)
	if err != nil {
		t.Fatalf("ConvertCorpus returned error: %v", err)
	}
	if converted != 2 {
		t.Fatalf("converted = %d, want 2 (only limit documents per call)", converted)
	}

	converted, err = tr.ConvertCorpus(context.Background(), 10)
	if err != nil {
		t.Fatalf("second call returned error: %v", err)
	}
	if converted != 3 {
		t.Fatalf("second call converted = %d, want the remaining 3", converted)
	}

	// No intervening writes: a third call finds nothing to do.
	converted, err = tr.ConvertCorpus(context.Background(), 10)
	if err != nil {
		t.Fatalf("third call returned error: %v", err)
	}
	if converted != 0 {
		t.Fatalf("third call converted = %d, want 0", converted)
	}
}

func TestConvertCorpusWritesBackupBeforeOverwrite(t *testing.T) {
	store := newMemStore()
	origin := "https://origin.test/a.jpg"
	store.add("doc1", map[string]any{"image0": origin})
	conv := &scriptedConverter{results: map[string]pipeline.ItemResult{origin: ok(origin)}}
	tr := newTestTracker(store, conv, nil)

	if _, err := tr.ConvertCorpus(context.Background(), 10); err != nil {
		t.Fatalf("ConvertCorpus returned error: %v", err)
	}

	doc, _ := store.Get(context.Background(), "doc1")
	if doc.Fields["image0"+entities.SuffixOriginal] != origin {
		t.Fatalf("backup field missing or wrong: %v", doc.Fields["image0"+entities.SuffixOriginal])
	}
	if !strings.HasPrefix(doc.Fields["image0"].(string), "data:image/webp") {
		t.Fatalf("primary field not overwritten with derivative")
	}
	if !doc.BoolField("image0" + entities.SuffixConverted) {
		t.Fatalf("converted marker not set")
	}
	if !doc.BoolField("image0" + entities.SuffixInRecord) {
		t.Fatalf("inline placement marker not set")
	}
	if !doc.Complete {
		t.Fatalf("document with all fields terminal should be complete")
	}
}

func TestConvertCorpusZeroEligibleFieldsCompletesImmediately(t *testing.T) {
	store := newMemStore()
	store.add("empty", map[string]any{"name": "no media here"})
	conv := &scriptedConverter{results: map[string]pipeline.ItemResult{}}
	tr := newTestTracker(store, conv, nil)

	converted, err := tr.ConvertCorpus(context.Background(), 10)
	if err != nil {
		t.Fatalf("ConvertCorpus returned error: %v", err)
	}
	if converted != 1 {
		t.Fatalf("converted = %d, want 1", converted)
	}
	if conv.calls != 0 {
		t.Fatalf("pipeline invoked for a document with no media fields")
	}
	doc, _ := store.Get(context.Background(), "empty")
	if !doc.Complete {
		t.Fatalf("document not marked complete")
	}
}

func TestConvertCorpusFailedFieldPreservesOriginal(t *testing.T) {
	store := newMemStore()
	origin := "https://origin.test/broken.jpg"
	store.add("doc1", map[string]any{"image0": origin})
	conv := &scriptedConverter{results: map[string]pipeline.ItemResult{
		origin: {Err: errors.New("fetch refused")},
	}}
	tr := newTestTracker(store, conv, nil)

	if _, err := tr.ConvertCorpus(context.Background(), 10); err != nil {
		t.Fatalf("ConvertCorpus returned error: %v", err)
	}

	doc, _ := store.Get(context.Background(), "doc1")
	if doc.Fields["image0"] != origin {
		t.Fatalf("primary field changed on failure: %v", doc.Fields["image0"])
	}
	if _, ok := doc.Fields["image0"+entities.SuffixOriginal]; ok {
		t.Fatalf("backup field must not be created for a failed field")
	}
	if doc.Fields["image0"+entities.SuffixFailed] != "fetch refused" {
		t.Fatalf("failed marker missing: %v", doc.Fields["image0"+entities.SuffixFailed])
	}
}

func TestConvertCorpusDroppedFieldKeepsOriginAndMarks(t *testing.T) {
	store := newMemStore()
	origin := "https://origin.test/huge.jpg"
	store.add("doc1", map[string]any{"image0": origin})
	conv := &scriptedConverter{results: map[string]pipeline.ItemResult{
		origin: {Err: fmt.Errorf("image0: %w", transcoder.ErrBudgetExceeded)},
	}}
	tr := newTestTracker(store, conv, nil)

	if _, err := tr.ConvertCorpus(context.Background(), 10); err != nil {
		t.Fatalf("ConvertCorpus returned error: %v", err)
	}

	doc, _ := store.Get(context.Background(), "doc1")
	if doc.Fields["image0"] != origin {
		t.Fatalf("primary field changed on drop: %v", doc.Fields["image0"])
	}
	if _, ok := doc.Fields["image0"+entities.SuffixOriginal]; ok {
		t.Fatalf("backup field must not be created for a dropped field")
	}
	if _, ok := doc.Fields["image0"+entities.SuffixDropped]; !ok {
		t.Fatalf("dropped marker missing")
	}
	if _, ok := doc.Fields["image0"+entities.SuffixFailed]; ok {
		t.Fatalf("dropped field must not be marked failed")
	}
}

func TestConvertCorpusIsolatesSiblingFields(t *testing.T) {
	store := newMemStore()
	good := "https://origin.test/good.jpg"
	bad := "https://origin.test/bad.jpg"
	store.add("doc1", map[string]any{"image0": bad, "image1": good})
	conv := &scriptedConverter{results: map[string]pipeline.ItemResult{
		bad:  {Err: errors.New("boom")},
		good: ok(good),
	}}
	tr := newTestTracker(store, conv, nil)

	if _, err := tr.ConvertCorpus(context.Background(), 10); err != nil {
		t.Fatalf("ConvertCorpus returned error: %v", err)
	}

	doc, _ := store.Get(context.Background(), "doc1")
	if !doc.BoolField("image1" + entities.SuffixConverted) {
		t.Fatalf("sibling field was not converted despite its own success")
	}
	if _, ok := doc.Fields["image0"+entities.SuffixFailed]; !ok {
		t.Fatalf("failed field not marked")
	}
}

func TestListOnlyNeverMutates(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 4; i++ {
		store.add(fmt.Sprintf("doc%d", i), map[string]any{"image0": "https://origin.test/x.jpg"})
	}
	tr := newTestTracker(store, &scriptedConverter{results: map[string]pipeline.ItemResult{}}, nil)

	before := store.mutations
	ids, total, err := tr.ListOnly(context.Background(), 1000)
	if err != nil {
		t.Fatalf("ListOnly returned error: %v", err)
	}
	if total != 4 || len(ids) != 4 {
		t.Fatalf("got %d ids, total %d, want 4/4", len(ids), total)
	}
	if store.mutations != before {
		t.Fatalf("ListOnly mutated the store")
	}
}

func TestResetRoundTrip(t *testing.T) {
	store := newMemStore()
	origin := "https://origin.test/a.jpg"
	store.add("doc1", map[string]any{"image0": origin})
	conv := &scriptedConverter{results: map[string]pipeline.ItemResult{origin: ok(origin)}}
	tr := newTestTracker(store, conv, nil)

	if _, err := tr.ConvertCorpus(context.Background(), 10); err != nil {
		t.Fatalf("ConvertCorpus returned error: %v", err)
	}

	count, err := tr.Reset(context.Background(), 10)
	if err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("reset count = %d, want 1", count)
	}

	doc, _ := store.Get(context.Background(), "doc1")
	if doc.Fields["image0"] != origin {
		t.Fatalf("primary field not restored: %v", doc.Fields["image0"])
	}
	for _, suffix := range entities.MarkerSuffixes {
		if _, ok := doc.Fields["image0"+suffix]; ok {
			t.Fatalf("marker %s survived reset", suffix)
		}
	}
	if doc.Complete {
		t.Fatalf("completion flag survived reset")
	}

	// Re-running reset is safe: nothing is complete anymore.
	count, err = tr.Reset(context.Background(), 10)
	if err != nil {
		t.Fatalf("second Reset returned error: %v", err)
	}
	if count != 0 {
		t.Fatalf("second reset count = %d, want 0", count)
	}

	// And the restored document is convertible again.
	converted, err := tr.ConvertCorpus(context.Background(), 10)
	if err != nil {
		t.Fatalf("ConvertCorpus after reset returned error: %v", err)
	}
	if converted != 1 {
		t.Fatalf("converted after reset = %d, want 1", converted)
	}
}

func TestConvertFieldReturnsStats(t *testing.T) {
	store := newMemStore()
	origin := "https://origin.test/a.jpg"
	store.add("doc1", map[string]any{"image2": origin})
	conv := &scriptedConverter{results: map[string]pipeline.ItemResult{origin: ok(origin)}}
	tr := newTestTracker(store, conv, nil)

	stats, err := tr.ConvertField(context.Background(), "doc1", "image2")
	if err != nil {
		t.Fatalf("ConvertField returned error: %v", err)
	}
	if stats.WebPURL == "" || stats.OriginalSize != 1000 || stats.WebPSize != 400 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if _, err := tr.ConvertField(context.Background(), "doc1", "portrait"); err == nil {
		t.Fatalf("expected error for a field outside the slot schema")
	}
	if _, err := tr.ConvertField(context.Background(), "doc1", "image0"); err == nil {
		t.Fatalf("expected error for an empty slot")
	}
}

func TestConvertFieldRetrySuccessClearsStaleMarkers(t *testing.T) {
	store := newMemStore()
	origin := "https://origin.test/huge.jpg"
	dropped := "image0" + entities.SuffixDropped
	failed := "image0" + entities.SuffixFailed
	store.add("doc1", map[string]any{"image0": origin, dropped: "2026-08-01T00:00:00Z"})
	conv := &scriptedConverter{results: map[string]pipeline.ItemResult{origin: ok(origin)}}
	tr := newTestTracker(store, conv, nil)

	if _, err := tr.ConvertField(context.Background(), "doc1", "image0"); err != nil {
		t.Fatalf("ConvertField returned error: %v", err)
	}

	doc, _ := store.Get(context.Background(), "doc1")
	if _, ok := doc.Fields[dropped]; ok {
		t.Fatalf("stale dropped marker survived a successful retry")
	}
	if !doc.BoolField("image0" + entities.SuffixConverted) {
		t.Fatalf("converted marker not set")
	}

	// Same for a field an earlier pass marked failed.
	store.add("doc2", map[string]any{"image0": origin, failed: "fetch refused"})
	if _, err := tr.ConvertField(context.Background(), "doc2", "image0"); err != nil {
		t.Fatalf("ConvertField returned error: %v", err)
	}
	doc, _ = store.Get(context.Background(), "doc2")
	if _, ok := doc.Fields[failed]; ok {
		t.Fatalf("stale failed marker survived a successful retry")
	}
}

func TestConvertFieldRetryFailureKeepsMarkers(t *testing.T) {
	store := newMemStore()
	origin := "https://origin.test/broken.jpg"
	dropped := "image0" + entities.SuffixDropped
	store.add("doc1", map[string]any{"image0": origin, dropped: "2026-08-01T00:00:00Z"})
	conv := &scriptedConverter{results: map[string]pipeline.ItemResult{
		origin: {Err: fmt.Errorf("image0: %w", transcoder.ErrBudgetExceeded)},
	}}
	tr := newTestTracker(store, conv, nil)

	if _, err := tr.ConvertField(context.Background(), "doc1", "image0"); err == nil {
		t.Fatalf("expected the dropped error to surface")
	}

	doc, _ := store.Get(context.Background(), "doc1")
	if _, ok := doc.Fields[dropped]; !ok {
		t.Fatalf("dropped marker must survive an unsuccessful retry")
	}
}

func TestConvertURLsPersistsResponseKeys(t *testing.T) {
	store := newMemStore()
	store.add("doc1", map[string]any{})
	u0 := "https://origin.test/0.jpg"
	u1 := "https://origin.test/1.jpg"
	conv := &scriptedConverter{results: map[string]pipeline.ItemResult{
		u0: ok(u0),
		u1: {Err: errors.New("boom")},
	}}
	tr := newTestTracker(store, conv, nil)

	results, converted, err := tr.ConvertURLs(context.Background(), []string{u0, u1}, "doc1", "")
	if err != nil {
		t.Fatalf("ConvertURLs returned error: %v", err)
	}
	if len(results) != 2 || results[0].Err != nil || results[1].Err == nil {
		t.Fatalf("results not index-ordered: %+v", results)
	}
	if _, ok := converted["WebPImage0"]; !ok {
		t.Fatalf("WebPImage0 key missing: %v", converted)
	}

	doc, _ := store.Get(context.Background(), "doc1")
	if doc.Fields["WebPImage0"] == nil {
		t.Fatalf("derivative not persisted on the document")
	}
	if _, ok := doc.Fields["WebPImage1"]; ok {
		t.Fatalf("failed item must not be persisted")
	}
}

func TestConvertVideoMarksBlockedWithoutFetch(t *testing.T) {
	store := newMemStore()
	store.add("doc1", map[string]any{"video": "https://www.tiktok.com/v/1"})
	reloc := &scriptedRelocator{err: pipeline.ErrBlockedHost}
	tr := newTestTracker(store, &scriptedConverter{results: map[string]pipeline.ItemResult{}}, reloc)

	_, err := tr.ConvertVideo(context.Background(), "doc1", "")
	if !errors.Is(err, pipeline.ErrBlockedHost) {
		t.Fatalf("expected ErrBlockedHost, got %v", err)
	}

	doc, _ := store.Get(context.Background(), "doc1")
	if !doc.BoolField("video" + entities.SuffixBlocked) {
		t.Fatalf("blocked marker not set")
	}
	if doc.Fields["video"] != "https://www.tiktok.com/v/1" {
		t.Fatalf("origin URL changed for a blocked video")
	}
}

func TestStoreVideoWritesPermanentMarkers(t *testing.T) {
	store := newMemStore()
	origin := "https://origin.test/clip.mp4"
	store.add("doc1", map[string]any{"video": origin})
	reloc := &scriptedRelocator{
		placement: entities.Placement{Kind: entities.PlacementBlob, Value: "https://cdn.test/videos/clip.mp4", Bucket: "b"},
		size:      12345,
	}
	tr := newTestTracker(store, &scriptedConverter{results: map[string]pipeline.ItemResult{}}, reloc)

	url, size, err := tr.StoreVideo(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("StoreVideo returned error: %v", err)
	}
	if url != "https://cdn.test/videos/clip.mp4" || size != 12345 {
		t.Fatalf("unexpected result: %q %d", url, size)
	}

	doc, _ := store.Get(context.Background(), "doc1")
	if doc.Fields["video"] != url {
		t.Fatalf("primary field not updated")
	}
	if doc.Fields["video"+entities.SuffixOriginal] != origin {
		t.Fatalf("backup not written")
	}
	if !doc.BoolField("video" + entities.SuffixPermanent) {
		t.Fatalf("permanent marker not set")
	}
	if !doc.BoolField("video" + entities.SuffixInStorage) {
		t.Fatalf("storage placement marker not set")
	}
}

func TestStoreVideoRetrySuccessClearsStaleMarkers(t *testing.T) {
	store := newMemStore()
	origin := "https://origin.test/clip.mp4"
	failed := "video" + entities.SuffixFailed
	blocked := "video" + entities.SuffixBlocked
	store.add("doc1", map[string]any{"video": origin, failed: "fetch timeout", blocked: true})
	reloc := &scriptedRelocator{
		placement: entities.Placement{Kind: entities.PlacementBlob, Value: "https://cdn.test/videos/clip.mp4", Bucket: "b"},
		size:      100,
	}
	tr := newTestTracker(store, &scriptedConverter{results: map[string]pipeline.ItemResult{}}, reloc)

	if _, _, err := tr.StoreVideo(context.Background(), "doc1"); err != nil {
		t.Fatalf("StoreVideo returned error: %v", err)
	}

	doc, _ := store.Get(context.Background(), "doc1")
	if _, ok := doc.Fields[failed]; ok {
		t.Fatalf("stale failed marker survived a successful retry")
	}
	if _, ok := doc.Fields[blocked]; ok {
		t.Fatalf("stale blocked marker survived a successful retry")
	}
	if !doc.BoolField("video" + entities.SuffixPermanent) {
		t.Fatalf("permanent marker not set")
	}
}

func TestMarkedFieldsSortedAndDeduplicated(t *testing.T) {
	doc := entities.Document{Fields: map[string]any{
		"zeta" + entities.SuffixConverted: true,
		"zeta" + entities.SuffixOriginal:  "https://origin.test/z.jpg",
		"alpha" + entities.SuffixFailed:   "boom",
		"mid" + entities.SuffixDropped:    "2026-08-01T00:00:00Z",
		"plain":                           "no markers here",
	}}

	got := markedFields(doc)
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
