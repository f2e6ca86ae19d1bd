package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"visual-inspector/internal/domain/model"
)

// encodeJPEG 把 RGB24 帧编码为 JPEG。
// 先校验像素缓冲与尺寸一致，尺寸对不上按解码失败处理。
func encodeJPEG(frame *Frame, quality int) ([]byte, error) {
	if frame == nil || frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("empty frame: %w", model.ErrDecodeFailed)
	}
	if len(frame.RGB) != frame.Width*frame.Height*3 {
		return nil, fmt.Errorf("rgb buffer %d bytes for %dx%d: %w",
			len(frame.RGB), frame.Width, frame.Height, model.ErrDecodeFailed)
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		src := y * frame.Width * 3
		dst := y * img.Stride
		for x := 0; x < frame.Width; x++ {
			img.Pix[dst+0] = frame.RGB[src+0]
			img.Pix[dst+1] = frame.RGB[src+1]
			img.Pix[dst+2] = frame.RGB[src+2]
			img.Pix[dst+3] = 0xff
			src += 3
			dst += 4
		}
	}

	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode (%v): %w", err, model.ErrEncodeFailed)
	}
	return buf.Bytes(), nil
}
