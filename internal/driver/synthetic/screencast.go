package synthetic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"time"

	"github.com/HyphaGroup/vigil/internal/screencast"
)

// StartScreencast implements screencast.Source. Frames are rendered every
// frame interval and every nth one is emitted.
func (d *Driver) StartScreencast(ctx context.Context, opts screencast.Options, emit screencast.EmitFunc) (screencast.Producer, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, errors.New("driver closed")
	}

	width, height := fit(d.cfg.Width, d.cfg.Height, opts.MaxWidth, opts.MaxHeight)
	nth := opts.EveryNthFrame
	if nth < 1 {
		nth = 1
	}
	format := opts.Format
	if format != "png" {
		format = "jpeg"
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &producer{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(time.Duration(d.cfg.FrameIntervalMS) * time.Millisecond)
		defer ticker.Stop()

		var tick int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			tick++
			if tick%int64(nth) != 0 {
				continue
			}

			data, err := render(width, height, d.currentStep(), d.cfg.Steps, tick, format, opts.Quality)
			if err != nil {
				p.fail(err)
				return
			}
			if err := emit(ctx, screencast.Frame{Data: data, Format: format}); err != nil {
				if errors.Is(err, screencast.ErrProducerStopped) || ctx.Err() != nil {
					return
				}
				p.fail(err)
				return
			}
		}
	}()
	return p, nil
}

type producer struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (p *producer) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Wait implements screencast.Producer
func (p *producer) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop implements screencast.Producer
func (p *producer) Stop() error {
	p.cancel()
	<-p.done
	return nil
}

// fit scales w x h down to fit within maxW x maxH, keeping the aspect ratio
func fit(w, h, maxW, maxH int) (int, int) {
	if maxW > 0 && w > maxW {
		h = h * maxW / w
		w = maxW
	}
	if maxH > 0 && h > maxH {
		w = w * maxH / h
		h = maxH
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// render draws a progress bar for step of total over a background whose hue
// follows step, with a marker that moves with tick
func render(w, h, step, total int, tick int64, format string, quality int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bg := color.RGBA{R: uint8(40 + step*23%160), G: 48, B: uint8(90 + step*37%140), A: 255}
	bar := color.RGBA{R: 90, G: 200, B: 120, A: 255}
	marker := color.RGBA{R: 240, G: 240, B: 240, A: 255}

	filled := 0
	if total > 0 {
		filled = w * step / total
	}
	barTop, barBottom := h*3/4, h*3/4+h/12
	markerX := int(tick*8) % w

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := bg
			switch {
			case y >= barTop && y < barBottom && x < filled:
				c = bar
			case x >= markerX && x < markerX+4 && y < h/8:
				c = marker
			}
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	case "jpeg":
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	default:
		return nil, fmt.Errorf("unsupported frame format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", format, err)
	}
	return buf.Bytes(), nil
}
