package producer

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// JPEGEncoder turns RGBA ticks into JPEG preview frames.
func JPEGEncoder(quality int) Encoder {
	return func(t Tick) ([]byte, error) {
		if t.Width <= 0 || t.Height <= 0 || len(t.Pixels) < 4*t.Width*t.Height {
			return nil, fmt.Errorf("producer: bad tick %dx%d with %d bytes", t.Width, t.Height, len(t.Pixels))
		}
		img := &image.RGBA{
			Pix:    t.Pixels,
			Stride: 4 * t.Width,
			Rect:   image.Rect(0, 0, t.Width, t.Height),
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}
