package crawler

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// fingerprintEdge is the side length of the downsampled grid used for the
// perceptual hash: 8x8 = 64 luminance samples.
const fingerprintEdge = 8

// fallbackDimension is reported for images whose bytes fetched but whose
// dimensions could not be decoded, so size filters still apply.
const fallbackDimension = 100

// perceptualFingerprint computes an average-hash style fingerprint: the image
// is downsampled to an 8x8 grayscale grid, each cell's luminance is
// thresholded against the grid mean to form a 64-bit string, and that bit
// string is md5-digested to a fixed-width hex fingerprint. The decoded pixel
// dimensions are returned alongside.
func perceptualFingerprint(data []byte) (fp string, width, height int, err error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", 0, 0, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	width = bounds.Dx()
	height = bounds.Dy()

	gray := image.NewGray(image.Rect(0, 0, fingerprintEdge, fingerprintEdge))
	xdraw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, bounds, xdraw.Src, nil)

	var sum int
	for _, px := range gray.Pix {
		sum += int(px)
	}
	mean := sum / len(gray.Pix)

	bits := make([]byte, len(gray.Pix))
	for i, px := range gray.Pix {
		if int(px) > mean {
			bits[i] = '1'
		} else {
			bits[i] = '0'
		}
	}

	digest := md5.Sum(bits)
	return hex.EncodeToString(digest[:]), width, height, nil
}

// metadataFingerprint is the fallback when pixel data cannot be decoded:
// a content hash over the image URL and byte size.
func metadataFingerprint(imageURL string, size int64) string {
	digest := md5.Sum([]byte(fmt.Sprintf("%s:%d", imageURL, size)))
	return hex.EncodeToString(digest[:])
}
