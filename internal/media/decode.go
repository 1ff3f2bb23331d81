// Package media decodes bundle bytes into typed payloads and builds the
// poolable instances handed to consumers.
package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Support GIF format
	_ "image/jpeg" // Support JPEG format
	_ "image/png"  // Support PNG format
	"io"
	"path"
	"strings"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/vorbis"
	_ "golang.org/x/image/webp" // Support WebP format
)

// Image is a decoded picture payload.
type Image struct {
	Key    string
	Format string
	Img    image.Image
}

// Bounds returns the image size.
func (i *Image) Bounds() image.Rectangle { return i.Img.Bounds() }

// Clip is a fully decoded audio payload kept in memory so every instance can
// seek independently.
type Clip struct {
	Key    string
	Format beep.Format
	Buffer *beep.Buffer
}

// Duration returns the clip length.
func (c *Clip) Duration() float64 {
	return c.Format.SampleRate.D(c.Buffer.Len()).Seconds()
}

// Raw is an undecoded payload.
type Raw struct {
	Key  string
	Data []byte
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

// Decode picks a decoder by the key's extension: images become *Image, .ogg
// becomes *Clip, anything else *Raw.
func Decode(key string, data []byte) (any, error) {
	ext := strings.ToLower(path.Ext(key))

	switch {
	case imageExts[ext]:
		img, format, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode image %q: %w", key, err)
		}
		return &Image{Key: key, Format: format, Img: img}, nil

	case ext == ".ogg":
		return decodeClip(key, data)

	default:
		return &Raw{Key: key, Data: data}, nil
	}
}

func decodeClip(key string, data []byte) (*Clip, error) {
	streamer, format, err := vorbis.Decode(io.NopCloser(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("decode ogg %q: %w", key, err)
	}
	defer streamer.Close()

	buf := beep.NewBuffer(format)
	buf.Append(streamer)
	if err := streamer.Err(); err != nil {
		return nil, fmt.Errorf("decode ogg %q: %w", key, err)
	}
	return &Clip{Key: key, Format: format, Buffer: buf}, nil
}
