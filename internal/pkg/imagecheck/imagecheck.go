// Package imagecheck verifies that uploaded bytes are the image format their
// declared MIME type claims.
package imagecheck

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var ErrMismatch = errors.New("image content does not match declared type")

var formatMIME = map[string]string{
	"png":  "image/png",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
}

type Info struct {
	MIMEType string
	Width    int
	Height   int
}

// Sniff decodes only the image header.
func Sniff(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("decode image header failed: %w", err)
	}
	mime, ok := formatMIME[format]
	if !ok {
		return Info{}, fmt.Errorf("unsupported image format %q", format)
	}
	return Info{MIMEType: mime, Width: cfg.Width, Height: cfg.Height}, nil
}

// Verify sniffs data and checks it against declared. image/jpg is accepted as image/jpeg.
func Verify(data []byte, declared string) (Info, error) {
	info, err := Sniff(data)
	if err != nil {
		return Info{}, err
	}
	if declared == "image/jpg" {
		declared = "image/jpeg"
	}
	if info.MIMEType != declared {
		return Info{}, fmt.Errorf("%w: declared %s, found %s", ErrMismatch, declared, info.MIMEType)
	}
	return info, nil
}
