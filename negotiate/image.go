package negotiate

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	"focusgate/oracle"
)

// DefaultMaxImageDim bounds the longer edge of an encoded proof photo.
const DefaultMaxImageDim = 1024

const jpegQuality = 80

// EncodeProofImage decodes an uploaded artifact, downscales it so its
// longer edge is at most maxDim, and re-encodes it as a base64 JPEG
// block for the oracle.
func EncodeProofImage(data []byte, maxDim int) (*oracle.ImageSource, error) {
	if maxDim <= 0 {
		maxDim = DefaultMaxImageDim
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxDim || h > maxDim {
		if w >= h {
			h = h * maxDim / w
			w = maxDim
		} else {
			w = w * maxDim / h
			h = maxDim
		}
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return &oracle.ImageSource{
		Type:      "base64",
		MediaType: "image/jpeg",
		Data:      base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}
