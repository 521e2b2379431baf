package camera

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
)

// MIMETypeJPEG is the encoding of every StillImage produced by this package.
const MIMETypeJPEG = "image/jpeg"

// DefaultJPEGQuality matches the quality browsers use for canvas JPEG export.
const DefaultJPEGQuality = 92

// StillImage is an encoded snapshot. Ownership passes to the caller.
type StillImage struct {
	ID         string    `json:"id"`
	Data       []byte    `json:"-"`
	MIMEType   string    `json:"mime_type"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
}

// Empty reports whether the image carries no data.
func (s StillImage) Empty() bool {
	return len(s.Data) == 0
}

// DataURL returns the image as a data: URL.
func (s StillImage) DataURL() string {
	if s.Empty() {
		return ""
	}
	return "data:" + s.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(s.Data)
}

// Render draws frame into a new offscreen bitmap of width x height.
func Render(frame image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if frame.Bounds().Dx() == width && frame.Bounds().Dy() == height {
		draw.Draw(dst, dst.Bounds(), frame, frame.Bounds().Min, draw.Src)
		return dst
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, frame.Bounds(), draw.Src, nil)
	return dst
}

// EncodeStill renders frame at width x height and JPEG-encodes it.
func EncodeStill(frame image.Image, width, height, quality int) (StillImage, error) {
	if width <= 0 || height <= 0 {
		return StillImage{}, fmt.Errorf("invalid still size %dx%d", width, height)
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Render(frame, width, height), &jpeg.Options{Quality: quality}); err != nil {
		return StillImage{}, fmt.Errorf("encode jpeg: %w", err)
	}

	return StillImage{
		ID:         uuid.NewString(),
		Data:       buf.Bytes(),
		MIMEType:   MIMETypeJPEG,
		Width:      width,
		Height:     height,
		CapturedAt: time.Now(),
	}, nil
}
