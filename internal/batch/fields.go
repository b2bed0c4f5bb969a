package batch

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/getsentry/sentry-go"

	"github.com/akimenko/webpress/internal/entities"
	"github.com/akimenko/webpress/internal/pipeline"
	"github.com/akimenko/webpress/internal/placement"
)

// FieldStats is what the single-image endpoint reports back.
type FieldStats struct {
	WebPURL      string
	OriginalSize int
	WebPSize     int
	Ratio        float64
}

// ConvertField runs one document field through the pipeline on demand,
// bypassing the batch scan. Unlike the batch path it retries fields that
// were dropped or failed on an earlier pass.
func (t *Tracker) ConvertField(ctx context.Context, docID, field string) (FieldStats, error) {
	if !t.schema.HasImageSlot(field) {
		return FieldStats{}, fmt.Errorf("unknown image field %q", field)
	}

	doc, err := t.store.Get(ctx, docID)
	if err != nil {
		return FieldStats{}, err
	}
	url, ok := doc.StringField(field)
	if !ok {
		return FieldStats{}, fmt.Errorf("document %s has no value in %s", docID, field)
	}
	if !isRemoteURL(url) {
		return FieldStats{}, fmt.Errorf("field %s of %s is already converted", field, docID)
	}

	acct := placement.NewAccount(t.budget, inlineUsage(doc, t.schema))
	asset := entities.MediaAsset{DocID: docID, Field: field, URL: url}
	res := t.exec.ExecuteAll(ctx, []entities.MediaAsset{asset}, acct)[0]

	writes := map[string]any{}
	collectFieldWrites(writes, doc, res)
	// This path retries dropped/failed fields; a success must also clear the
	// stale terminal marker so the field is never in two states at once.
	var deletes []string
	if res.Err == nil {
		deletes = []string{
			field + entities.SuffixDropped,
			field + entities.SuffixFailed,
			field + entities.SuffixBlocked,
		}
	}
	if err := t.store.ApplyUpdate(ctx, docID, writes, deletes); err != nil {
		sentry.CaptureException(err)
		return FieldStats{}, err
	}
	if res.Err != nil {
		return FieldStats{}, res.Err
	}

	return FieldStats{
		WebPURL:      res.Placement.Value,
		OriginalSize: res.OriginalSize,
		WebPSize:     res.EncodedSize,
		Ratio:        res.Ratio,
	}, nil
}

// ConvertURLs converts an ad hoc ordered list of origin URLs. Results come
// back index-ordered; when docID is given the successful derivatives are
// also persisted under WebP<FieldName> keys on that document. fieldBase
// defaults to "image" and names the slots: image0, image1, ...
func (t *Tracker) ConvertURLs(ctx context.Context, urls []string, docID, fieldBase string) ([]pipeline.ItemResult, map[string]string, error) {
	if fieldBase == "" {
		fieldBase = "image"
	}

	var used int64
	if docID != "" {
		doc, err := t.store.Get(ctx, docID)
		if err != nil {
			return nil, nil, err
		}
		used = inlineUsage(doc, t.schema)
	}

	assets := make([]entities.MediaAsset, len(urls))
	for i, u := range urls {
		assets[i] = entities.MediaAsset{
			DocID: docID,
			Field: fmt.Sprintf("%s%d", fieldBase, i),
			URL:   u,
			Index: i,
		}
	}

	acct := placement.NewAccount(t.budget, used)
	results := t.exec.ExecuteAll(ctx, assets, acct)

	converted := map[string]string{}
	writes := map[string]any{}
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		key := entities.ResponseKey(res.Asset.Field)
		converted[key] = res.Placement.Value
		writes[key] = res.Placement.Value
	}

	if docID != "" && len(writes) > 0 {
		if err := t.store.ApplyUpdate(ctx, docID, writes, nil); err != nil {
			// The derivatives exist; only the record write failed. Surface
			// it alongside the results instead of discarding them.
			sentry.CaptureException(err)
			return results, converted, err
		}
	}
	return results, converted, nil
}

// ConvertVideo relocates a document's video field to blob storage and marks
// it compressed. Known-restrictive hosts are short-circuited to a blocked
// terminal state without attempting the fetch.
func (t *Tracker) ConvertVideo(ctx context.Context, docID, field string) (string, error) {
	if field == "" {
		field = t.schema.VideoSlot
	}
	_, url, err := t.relocate(ctx, docID, field, entities.SuffixCompressed)
	return url, err
}

// StoreVideo downloads the document's video and stores it permanently,
// returning the permanent URL and the original byte size.
func (t *Tracker) StoreVideo(ctx context.Context, docID string) (string, int, error) {
	size, url, err := t.relocate(ctx, docID, t.schema.VideoSlot, entities.SuffixPermanent)
	return url, size, err
}

func (t *Tracker) relocate(ctx context.Context, docID, field, marker string) (int, string, error) {
	doc, err := t.store.Get(ctx, docID)
	if err != nil {
		return 0, "", err
	}
	url, ok := doc.StringField(field)
	if !ok {
		return 0, "", fmt.Errorf("document %s has no value in %s", docID, field)
	}
	if !isRemoteURL(url) {
		return 0, "", fmt.Errorf("field %s of %s is already relocated", field, docID)
	}

	asset := entities.MediaAsset{DocID: docID, Field: field, URL: url}
	pl, size, err := t.reloc.RelocateVideo(ctx, asset)
	if errors.Is(err, pipeline.ErrBlockedHost) {
		if perr := t.store.ApplyUpdate(ctx, docID, map[string]any{field + entities.SuffixBlocked: true}, nil); perr != nil {
			sentry.CaptureException(perr)
		}
		return 0, "", err
	}
	if err != nil {
		if perr := t.store.ApplyUpdate(ctx, docID, map[string]any{field + entities.SuffixFailed: err.Error()}, nil); perr != nil {
			sentry.CaptureException(perr)
		}
		return 0, "", err
	}

	writes := map[string]any{
		field:                            pl.Value,
		field + marker:                   true,
		field + entities.SuffixInStorage: true,
		field + entities.SuffixSize:      size,
	}
	if _, ok := doc.StringField(field + entities.SuffixOriginal); !ok {
		writes[field+entities.SuffixOriginal] = url
	}
	deletes := []string{field + entities.SuffixFailed, field + entities.SuffixBlocked}
	if err := t.store.ApplyUpdate(ctx, docID, writes, deletes); err != nil {
		// The blob upload stands; orphaned blobs are accepted collateral
		// over re-fetching origin media that may have expired.
		log.Printf("[batch] persist video %s.%s after upload: %v", docID, field, err)
		sentry.CaptureException(err)
		return size, pl.Value, err
	}
	return size, pl.Value, nil
}
