// Package imgproc normalizes uploaded photos for storage.
package imgproc

import (
	"bytes"
	"fmt"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

const (
	// Photos are bounded to this box; smaller images keep their size.
	maxDimension = 500
	webpQuality  = 80
)

// Process decodes an uploaded image, applies the EXIF orientation, downscales
// it to fit maxDimension and re-encodes it as WebP. Animated input is not
// supported; only the first frame of such files would survive decoding.
func Process(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxDimension || bounds.Dy() > maxDimension {
		img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: webpQuality}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return buf.Bytes(), nil
}
