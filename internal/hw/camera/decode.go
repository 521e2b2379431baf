package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// V4L2 FourCC pixel formats understood by decodeFrame.
const (
	fourccMJPG uint32 = 0x47504A4D // 'MJPG'
	fourccYUYV uint32 = 0x56595559 // 'YUYV'
)

func fourccString(f uint32) string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// decodeFrame turns a raw driver buffer into an image.
func decodeFrame(format uint32, buf []byte, width, height int) (image.Image, error) {
	switch format {
	case fourccMJPG:
		img, err := jpeg.Decode(bytes.NewReader(buf))
		if err != nil {
			return nil, fmt.Errorf("decode mjpeg frame: %w", err)
		}
		return img, nil
	case fourccYUYV:
		return yuyvToImage(buf, width, height)
	default:
		return nil, fmt.Errorf("unsupported pixel format %s", fourccString(format))
	}
}

// yuyvToImage converts packed YUYV 4:2:2 (Y0 U Y1 V) into a YCbCr image.
func yuyvToImage(buf []byte, width, height int) (*image.YCbCr, error) {
	if width <= 0 || height <= 0 || width%2 != 0 {
		return nil, fmt.Errorf("invalid yuyv frame size %dx%d", width, height)
	}
	if len(buf) < width*height*2 {
		return nil, fmt.Errorf("short yuyv frame: %d bytes, want %d", len(buf), width*height*2)
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := buf[y*width*2 : (y+1)*width*2]
		for x := 0; x < width; x += 2 {
			i := x * 2
			img.Y[y*img.YStride+x] = row[i]
			img.Y[y*img.YStride+x+1] = row[i+2]
			img.Cb[y*img.CStride+x/2] = row[i+1]
			img.Cr[y*img.CStride+x/2] = row[i+3]
		}
	}
	return img, nil
}
