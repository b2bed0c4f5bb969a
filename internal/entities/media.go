package entities

import (
	"fmt"
	"time"
)

// MediaKind distinguishes the two pipeline paths: images are re-encoded,
// videos are relocated verbatim.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// MediaAsset identifies one piece of origin media for a single pipeline run.
type MediaAsset struct {
	DocID string
	Field string
	URL   string
	Index int
}

// Tier is one rung of the descending quality/dimension ladder.
type Tier int

const (
	TierA Tier = iota
	TierB
	TierC
)

func (t Tier) String() string {
	switch t {
	case TierA:
		return "A"
	case TierB:
		return "B"
	case TierC:
		return "C"
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

// EncodedDerivative is the result of transcoding one asset. It is owned by
// the pipeline invocation that produced it until placement.
type EncodedDerivative struct {
	Data         []byte
	Kind         MediaKind
	Tier         Tier
	OriginalSize int
	EncodedSize  int
	Ratio        float64 // 1 - encoded/original
}

// PlacementKind says where a derivative ended up.
type PlacementKind string

const (
	PlacementInline PlacementKind = "inline"
	PlacementBlob   PlacementKind = "blob"
)

// Placement is the tagged outcome of the placement decision. For inline
// placement Value is a self-describing data URL; for blob placement it is a
// dereferenceable URL and Bucket names the backing store.
type Placement struct {
	Kind   PlacementKind
	Value  string
	Bucket string
	Size   int
}

// Document is one record of the corpus. Fields holds the per-media-field
// layout described below; the completion flag and date are columns of their
// own so the batch scan can filter on them.
type Document struct {
	ID          string
	Fields      map[string]any
	Complete    bool
	CompletedAt *time.Time
}

// Per-field sibling key suffixes. For a media field F the record carries
// F itself (current value), F_original (pre-conversion backup) and the
// marker keys below.
const (
	SuffixOriginal   = "_original"
	SuffixConverted  = "_webpConverted"
	SuffixCompressed = "_compressed"
	SuffixPermanent  = "_permanent"
	SuffixRatio      = "_compressionRatio"
	SuffixSize       = "_webpSize"
	SuffixInRecord   = "_storedInRecord"
	SuffixInStorage  = "_storedInStorage"
	SuffixDropped    = "_dropped"
	SuffixFailed     = "_failed"
	SuffixBlocked    = "_blocked"
)

// MarkerSuffixes lists every sibling key the reset operation clears.
var MarkerSuffixes = []string{
	SuffixOriginal,
	SuffixConverted,
	SuffixCompressed,
	SuffixPermanent,
	SuffixRatio,
	SuffixSize,
	SuffixInRecord,
	SuffixInStorage,
	SuffixDropped,
	SuffixFailed,
	SuffixBlocked,
}

// StringField returns the field value if it is a non-empty string.
func (d Document) StringField(name string) (string, bool) {
	v, ok := d.Fields[name].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// BoolField reports whether the field is present and true.
func (d Document) BoolField(name string) bool {
	v, ok := d.Fields[name].(bool)
	return ok && v
}
