package entities

import (
	"fmt"
	"strings"
)

// MediaSchema is the ordered list of media slots a document may carry.
// Index-to-field mapping is first class here: callers address slots by
// position through this schema instead of formatting field names ad hoc.
type MediaSchema struct {
	ImageSlots []string
	VideoSlot  string
}

// DefaultSchema mirrors the corpus layout: seven ordered image slots and a
// single video slot per document.
func DefaultSchema() MediaSchema {
	slots := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		slots = append(slots, fmt.Sprintf("image%d", i))
	}
	return MediaSchema{ImageSlots: slots, VideoSlot: "video"}
}

// ImageSlot returns the field name at position i, or an error when i is out
// of range. The error carries the valid range so handlers can surface it.
func (s MediaSchema) ImageSlot(i int) (string, error) {
	if i < 0 || i >= len(s.ImageSlots) {
		return "", fmt.Errorf("image slot %d out of range [0,%d)", i, len(s.ImageSlots))
	}
	return s.ImageSlots[i], nil
}

// HasImageSlot reports whether name is one of the schema's image slots.
func (s MediaSchema) HasImageSlot(name string) bool {
	for _, slot := range s.ImageSlots {
		if slot == name {
			return true
		}
	}
	return false
}

// ResponseKey builds the WebP<FieldName> key used in multi-image responses
// and persisted writes for ad hoc URL lists ("image3" -> "WebPImage3").
func ResponseKey(slot string) string {
	if slot == "" {
		return "WebP"
	}
	return "WebP" + strings.ToUpper(slot[:1]) + slot[1:]
}
