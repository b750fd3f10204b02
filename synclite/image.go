// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package synclite

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // scanned pages may arrive as PNG; re-encoded as JPEG
	"time"
)

// CompressConstraints are the knobs for one recompression step.
type CompressConstraints struct {
	Quality int // JPEG quality 1..100
	MaxDim  int // longest edge in pixels; 0 = keep dimensions
}

// Compressor re-encodes an image under explicit size/quality knobs. It is a
// pure function of its inputs; implementations must not touch the network.
type Compressor interface {
	Compress(data []byte, constraints CompressConstraints) (out []byte, contentType string, err error)
}

// JPEGCompressor re-encodes through image/jpeg with optional downscaling.
type JPEGCompressor struct{}

func (JPEGCompressor) Compress(data []byte, constraints CompressConstraints) ([]byte, string, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	if constraints.MaxDim > 0 {
		src = downscale(src, constraints.MaxDim)
	}

	quality := constraints.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
		return nil, "", fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}

// downscale resizes so the longest edge is at most maxDim, nearest-neighbor.
func downscale(src image.Image, maxDim int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxDim {
		return src
	}

	scale := float64(maxDim) / float64(longest)
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	for y := 0; y < nh; y++ {
		sy := bounds.Min.Y + y*h/nh
		for x := 0; x < nw; x++ {
			sx := bounds.Min.X + x*w/nw
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}

// compressResult carries a compression outcome across the timeout boundary.
type compressResult struct {
	data        []byte
	contentType string
	err         error
}

// compressWithTimeout bounds one re-encode so a hung codec cannot stall the
// whole cycle. The encode itself is not cancellable; on timeout its result
// is discarded.
func compressWithTimeout(ctx context.Context, comp Compressor, data []byte, constraints CompressConstraints, timeout time.Duration) ([]byte, string, error) {
	if timeout <= 0 {
		out, contentType, err := comp.Compress(data, constraints)
		return out, contentType, err
	}

	resultCh := make(chan compressResult, 1)
	go func() {
		out, contentType, err := comp.Compress(data, constraints)
		resultCh <- compressResult{data: out, contentType: contentType, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		return res.data, res.contentType, res.err
	case <-timer.C:
		return nil, "", fmt.Errorf("image encode timed out after %s", timeout)
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// shrinkUnderCeiling walks the compression ladder until the base64-encoded
// size fits under ceiling, returning the best attempt even when none fits.
// The bool reports whether the ceiling was met.
func shrinkUnderCeiling(ctx context.Context, comp Compressor, img *CachedImage, steps []CompressConstraints, ceiling int, timeout time.Duration) ([]byte, string, bool, error) {
	data := img.Data
	contentType := img.ContentType
	if encodedSize(len(data)) <= ceiling {
		return data, contentType, true, nil
	}

	best := data
	bestType := contentType
	for _, step := range steps {
		out, outType, err := compressWithTimeout(ctx, comp, img.Data, step, timeout)
		if err != nil {
			return nil, "", false, err
		}
		if len(out) < len(best) {
			best = out
			bestType = outType
		}
		if encodedSize(len(out)) <= ceiling {
			return out, outType, true, nil
		}
	}
	return best, bestType, false, nil
}

// encodedSize is the base64 wire size for n raw bytes.
func encodedSize(n int) int {
	return base64.StdEncoding.EncodedLen(n)
}
