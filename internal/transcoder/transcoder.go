package transcoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/akimenko/webpress/internal/entities"
)

// ErrBudgetExceeded means even the lowest tier could not fit the byte
// budget. Not a hard failure: the caller records the field as dropped this
// pass and leaves the original reference untouched.
var ErrBudgetExceeded = errors.New("encoded size exceeds budget at every tier")

type tierSpec struct {
	tier    entities.Tier
	maxDim  int // bounding box, 0 means no resize
	quality float32
	exact   bool
}

// The ladder is tried top to bottom until the encoded result fits the
// budget. Selection depends only on encoded size vs budget, never on image
// content, so the same input bytes always land on the same tier.
var ladder = []tierSpec{
	{tier: entities.TierA, maxDim: 0, quality: 80, exact: true},
	{tier: entities.TierB, maxDim: 400, quality: 30, exact: false},
	{tier: entities.TierC, maxDim: 300, quality: 20, exact: false},
}

type Transcoder struct{}

func New() *Transcoder { return &Transcoder{} }

// EncodeImage converts the fetched bytes into a WebP derivative, walking the
// tier ladder until one fits budget. budget <= 0 disables the ceiling and
// tier A always wins.
func (t *Transcoder) EncodeImage(data []byte, budget int) (*entities.EncodedDerivative, error) {
	img, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	for _, spec := range ladder {
		out := img
		if spec.maxDim > 0 {
			// Fit never upscales: sources smaller than the box pass through.
			out = imaging.Fit(img, spec.maxDim, spec.maxDim, imaging.Lanczos)
		}

		var buf bytes.Buffer
		if err := webp.Encode(&buf, out, &webp.Options{Quality: spec.quality, Exact: spec.exact}); err != nil {
			return nil, fmt.Errorf("encode webp tier %s: %w", spec.tier, err)
		}

		if budget <= 0 || buf.Len() <= budget {
			return &entities.EncodedDerivative{
				Data:         buf.Bytes(),
				Kind:         entities.KindImage,
				Tier:         spec.tier,
				OriginalSize: len(data),
				EncodedSize:  buf.Len(),
				Ratio:        ratio(len(data), buf.Len()),
			}, nil
		}
	}

	return nil, ErrBudgetExceeded
}

func ratio(original, encoded int) float64 {
	if original <= 0 {
		return 0
	}
	return 1 - float64(encoded)/float64(original)
}

func decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}
	// Sources can already be WebP; the stdlib registry does not cover it.
	if wimg, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
		return wimg, nil
	}
	return nil, err
}
