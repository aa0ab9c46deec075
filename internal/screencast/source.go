// Package screencast binds a live frame-producing resource to a ref-counted
// set of viewers, starting the producer on the first viewer and stopping it
// when the last one leaves.
package screencast

import (
	"context"
)

// Options configure a screencast when the producer is started
type Options struct {
	Format        string `json:"format"`
	Quality       int    `json:"quality"`
	MaxWidth      int    `json:"max_width"`
	MaxHeight     int    `json:"max_height"`
	EveryNthFrame int    `json:"every_nth_frame"`
}

// DefaultOptions returns jpeg frames at quality 60, capped to 1280x720,
// sampling every second frame
func DefaultOptions() Options {
	return Options{
		Format:        "jpeg",
		Quality:       60,
		MaxWidth:      1280,
		MaxHeight:     720,
		EveryNthFrame: 2,
	}
}

// Frame is one image produced by a Source
type Frame struct {
	Data   []byte
	Format string
}

// EmitFunc hands a frame to the manager. It returns once the frame has been
// acknowledged by a viewer, or with an error when the producer should stop.
type EmitFunc func(ctx context.Context, f Frame) error

// Source is a live frame-producing resource, such as a browser page.
// The manager never creates or destroys it; it only starts and stops
// screencasts on it.
type Source interface {
	// StartScreencast begins producing frames and returns promptly.
	// Frames must be delivered through emit one at a time: the producer
	// must not emit the next frame until emit has returned.
	StartScreencast(ctx context.Context, opts Options, emit EmitFunc) (Producer, error)
}

// Producer is a running screencast
type Producer interface {
	// Wait blocks until production ends. A non-nil error means the
	// producer failed mid-stream.
	Wait() error
	// Stop ends production. It is called at most once per producer.
	Stop() error
}
