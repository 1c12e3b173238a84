// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package gradient

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"sort"

	"github.com/disintegration/imaging"
)

const (
	paletteSize   = 5
	sampleBound   = 64
	blurBound     = 16
	blurSigma     = 1.5
	blurQuality   = 40
	luminanceSwap = 0.5
)

// Extract decodes an image and derives its gradient metadata: a small
// dominant-color palette, primary/secondary colors, a contrasting
// foreground, a css gradient string and a blurred placeholder.
func Extract(data []byte) (*Gradient, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Error.New("decode: %v", err)
	}

	small := imaging.Fit(img, sampleBound, sampleBound, imaging.Lanczos)

	type bucket struct {
		count   int
		r, g, b uint64
	}
	buckets := map[uint32]*bucket{}

	bounds := small.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := small.At(x, y).RGBA()
			if a == 0 {
				continue
			}
			r8, g8, b8 := r>>8, g>>8, b>>8
			// quantize to 4 bits per channel to merge near-identical colors.
			key := uint32(r8>>4)<<8 | uint32(g8>>4)<<4 | uint32(b8>>4)
			bk := buckets[key]
			if bk == nil {
				bk = &bucket{}
				buckets[key] = bk
			}
			bk.count++
			bk.r += uint64(r8)
			bk.g += uint64(g8)
			bk.b += uint64(b8)
		}
	}
	if len(buckets) == 0 {
		return nil, Error.New("image has no opaque pixels")
	}

	type swatch struct {
		r, g, b uint8
		count   int
	}
	swatches := make([]swatch, 0, len(buckets))
	for _, bk := range buckets {
		n := uint64(bk.count)
		swatches = append(swatches, swatch{
			r:     uint8(bk.r / n),
			g:     uint8(bk.g / n),
			b:     uint8(bk.b / n),
			count: bk.count,
		})
	}
	sort.Slice(swatches, func(i, k int) bool { return swatches[i].count > swatches[k].count })
	if len(swatches) > paletteSize*2 {
		swatches = swatches[:paletteSize*2]
	}

	primary := swatches[0]

	// secondary: the frequent color farthest from primary.
	secondary := primary
	bestDist := -1
	for _, sw := range swatches[1:] {
		dist := colorDistance(primary.r, primary.g, primary.b, sw.r, sw.g, sw.b)
		if dist > bestDist {
			bestDist = dist
			secondary = sw
		}
	}
	if bestDist <= 0 {
		// single-color image: synthesize a darker companion.
		secondary = swatch{r: primary.r / 2, g: primary.g / 2, b: primary.b / 2}
	}

	palette := make([]string, 0, paletteSize)
	for i, sw := range swatches {
		if i == paletteSize {
			break
		}
		palette = append(palette, hexColor(sw.r, sw.g, sw.b))
	}

	foreground := "#ffffff"
	if relativeLuminance(primary.r, primary.g, primary.b) > luminanceSwap {
		foreground = "#000000"
	}

	primaryHex := hexColor(primary.r, primary.g, primary.b)
	secondaryHex := hexColor(secondary.r, secondary.g, secondary.b)

	blurDataURL, err := blurPlaceholder(small)
	if err != nil {
		return nil, err
	}

	return &Gradient{
		Palette:     palette,
		Primary:     primaryHex,
		Secondary:   secondaryHex,
		Foreground:  foreground,
		CSSGradient: fmt.Sprintf("linear-gradient(135deg, %s 0%%, %s 100%%)", primaryHex, secondaryHex),
		BlurDataURL: blurDataURL,
	}, nil
}

// blurPlaceholder renders a tiny blurred copy as a base64 data url, small
// enough to inline into listings.
func blurPlaceholder(img image.Image) (string, error) {
	tiny := imaging.Fit(img, blurBound, blurBound, imaging.Box)
	blurred := imaging.Blur(tiny, blurSigma)

	var buf bytes.Buffer
	err := imaging.Encode(&buf, blurred, imaging.JPEG, imaging.JPEGQuality(blurQuality))
	if err != nil {
		return "", Error.New("encode placeholder: %v", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func colorDistance(r1, g1, b1, r2, g2, b2 uint8) int {
	dr := int(r1) - int(r2)
	dg := int(g1) - int(g2)
	db := int(b1) - int(b2)
	return dr*dr + dg*dg + db*db
}

func relativeLuminance(r, g, b uint8) float64 {
	return (0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)) / 255
}

func hexColor(r, g, b uint8) string {
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}
