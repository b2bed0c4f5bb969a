package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/akimenko/webpress/internal/entities"
	"github.com/akimenko/webpress/internal/fetcher"
	"github.com/akimenko/webpress/internal/placement"
	"github.com/akimenko/webpress/internal/transcoder"
)

// ErrBlockedHost marks assets whose origin is on the known-restrictive host
// list; the pipeline never attempts the fetch for them.
var ErrBlockedHost = errors.New("origin host blocks automated retrieval")

// ItemResult is the outcome of one asset's fetch→transcode→place run.
// Exactly one of Placement and Err is meaningful.
type ItemResult struct {
	Index        int
	Asset        entities.MediaAsset
	Placement    *entities.Placement
	Tier         entities.Tier
	OriginalSize int
	EncodedSize  int
	Ratio        float64
	Err          error
}

// Dropped reports the tier-C-still-too-large case: even the lowest tier
// could not fit the remaining inline budget and no derivative was produced.
func (r ItemResult) Dropped() bool { return errors.Is(r.Err, transcoder.ErrBudgetExceeded) }

func (r ItemResult) Blocked() bool { return errors.Is(r.Err, ErrBlockedHost) }

type Pipeline struct {
	images  *fetcher.Fetcher
	videos  *fetcher.Fetcher
	trans   *transcoder.Transcoder
	decider *placement.Decider
	blob    placement.BlobStore
	budget  int64
}

func New(images, videos *fetcher.Fetcher, trans *transcoder.Transcoder, decider *placement.Decider, blob placement.BlobStore, budget int64) *Pipeline {
	return &Pipeline{
		images:  images,
		videos:  videos,
		trans:   trans,
		decider: decider,
		blob:    blob,
		budget:  budget,
	}
}

func (p *Pipeline) Budget() int64 { return p.budget }

// Run drives one image asset through fetch, encode and placement. All
// failures come back as the result's Err; a panic in any stage is converted
// into an item error so sibling items are never taken down.
func (p *Pipeline) Run(ctx context.Context, asset entities.MediaAsset, acct *placement.Account) (res ItemResult) {
	res = ItemResult{Index: asset.Index, Asset: asset}
	defer func() {
		if rec := recover(); rec != nil {
			res.Err = fmt.Errorf("pipeline panic for %s: %v", asset.URL, rec)
		}
	}()

	if p.images.Blocked(asset.URL) {
		res.Err = ErrBlockedHost
		return res
	}

	data, _, err := p.images.Fetch(ctx, asset.URL)
	if err != nil {
		res.Err = err
		return res
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		res.Err = fmt.Errorf("unsupported content type %s at %s", mt.String(), asset.URL)
		return res
	}

	der, err := p.trans.EncodeImage(data, int(p.budget))
	if err != nil {
		res.Err = err
		return res
	}

	pl, err := p.decider.Decide(ctx, der, acct, imageKey(asset))
	if err != nil {
		res.Err = err
		return res
	}

	res.Placement = &pl
	res.Tier = der.Tier
	res.OriginalSize = der.OriginalSize
	res.EncodedSize = der.EncodedSize
	res.Ratio = der.Ratio
	return res
}

// RelocateVideo copies the origin bytes verbatim to durable blob storage.
// No re-encoding: video handling is fetch + relocate only.
func (p *Pipeline) RelocateVideo(ctx context.Context, asset entities.MediaAsset) (entities.Placement, int, error) {
	if p.videos.Blocked(asset.URL) {
		return entities.Placement{}, 0, ErrBlockedHost
	}

	data, contentType, err := p.videos.Fetch(ctx, asset.URL)
	if err != nil {
		return entities.Placement{}, 0, err
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(data).String()
	}

	meta := map[string]string{
		"source-url":    asset.URL,
		"original-size": strconv.Itoa(len(data)),
	}
	url, err := p.blob.Upload(ctx, videoKey(asset, contentType), contentType, data, meta)
	if err != nil {
		return entities.Placement{}, 0, &placement.Error{Key: asset.URL, Err: err}
	}

	return entities.Placement{
		Kind:   entities.PlacementBlob,
		Value:  url,
		Bucket: p.blob.Bucket(),
		Size:   len(data),
	}, len(data), nil
}

// Object keys are content-addressed by request: one upload per pipeline run,
// never reused across runs.
func imageKey(asset entities.MediaAsset) string {
	return fmt.Sprintf("webp/%s/%s-%s.webp", docPart(asset), fieldPart(asset), uuid.NewString())
}

func videoKey(asset entities.MediaAsset, contentType string) string {
	ext := ".mp4"
	if e := mimetype.Lookup(contentType); e != nil && e.Extension() != "" {
		ext = e.Extension()
	}
	return fmt.Sprintf("videos/%s/%s-%s%s", docPart(asset), fieldPart(asset), uuid.NewString(), ext)
}

func docPart(asset entities.MediaAsset) string {
	if asset.DocID == "" {
		return "adhoc"
	}
	return asset.DocID
}

func fieldPart(asset entities.MediaAsset) string {
	if asset.Field == "" {
		return "item" + strconv.Itoa(asset.Index)
	}
	return asset.Field
}
