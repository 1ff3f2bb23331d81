package media

import (
	"fmt"
	"image/color"
	"sync/atomic"

	"github.com/fogleman/gg"
	"github.com/gopxl/beep"
)

// Sprite is a drawable instance of an *Image. The canvas starts as a copy of
// the source image; callers may draw on it and move it around.
type Sprite struct {
	Key    string
	X, Y   float64
	Angle  float64
	Scale  float64
	Tint   color.Color
	Hidden bool

	src    *Image
	canvas *gg.Context
}

// Canvas returns the sprite's drawing context.
func (s *Sprite) Canvas() *gg.Context { return s.canvas }

func (s *Sprite) reset() {
	s.X, s.Y, s.Angle = 0, 0, 0
	s.Scale = 1
	s.Tint = color.White
	s.Hidden = false

	dc := s.canvas
	dc.Identity()
	dc.ResetClip()
	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()
	dc.DrawImage(s.src.Img, 0, 0)
}

// Voice is a playable instance of a *Clip.
type Voice struct {
	Key    string
	Volume float64
	Paused bool

	clip   *Clip
	stream beep.StreamSeeker
}

// Stream returns the voice's sample stream.
func (v *Voice) Stream() beep.StreamSeeker { return v.stream }

// Format returns the sample format of the clip.
func (v *Voice) Format() beep.Format { return v.clip.Format }

func (v *Voice) reset() {
	v.Volume = 1
	v.Paused = false
	_ = v.stream.Seek(0)
}

// Blob is an instance of a *Raw payload. Data is shared with the payload and
// must not be modified.
type Blob struct {
	Key    string
	Data   []byte
	Offset int
}

// Instantiator builds *Sprite, *Voice and *Blob instances from decoded
// payloads.
type Instantiator struct {
	live atomic.Int64
}

// Instantiate creates an instance for payload.
func (in *Instantiator) Instantiate(key string, payload any) (any, error) {
	var obj any
	switch p := payload.(type) {
	case *Image:
		s := &Sprite{Key: key, src: p, canvas: gg.NewContextForImage(p.Img)}
		s.reset()
		obj = s
	case *Clip:
		v := &Voice{Key: key, clip: p, stream: p.Buffer.Streamer(0, p.Buffer.Len())}
		v.reset()
		obj = v
	case *Raw:
		obj = &Blob{Key: key, Data: p.Data}
	default:
		return nil, fmt.Errorf("no instance type for %T", payload)
	}
	in.live.Add(1)
	return obj, nil
}

// Reset clears transient state: transform, tint and drawing for sprites,
// playback position for voices.
func (in *Instantiator) Reset(obj any) {
	switch o := obj.(type) {
	case *Sprite:
		o.reset()
	case *Voice:
		o.reset()
	case *Blob:
		o.Offset = 0
	}
}

// Destroy drops an instance.
func (in *Instantiator) Destroy(obj any) {
	switch o := obj.(type) {
	case *Sprite:
		o.canvas = nil
	case *Voice:
		o.stream = nil
	case *Blob:
		o.Data = nil
	default:
		return
	}
	in.live.Add(-1)
}

// Live returns the number of instances created and not destroyed.
func (in *Instantiator) Live() int64 { return in.live.Load() }
