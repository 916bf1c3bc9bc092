package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// FacingUser requests the front-facing camera.
const FacingUser = "user"

// ErrUnavailable is returned when no video device can be acquired.
var ErrUnavailable = errors.New("camera: unavailable")

// Stream is an acquired video stream. Its frames are never inspected.
type Stream interface {
	ID() string
}

// Source acquires and releases video streams.
type Source interface {
	AcquireStream(ctx context.Context, facingMode string) (Stream, error)
	Release(s Stream) error
}

// Device opens a video device node such as /dev/video0.
type Device struct {
	Path string
}

type deviceStream struct {
	f *os.File
}

func (s *deviceStream) ID() string { return s.f.Name() }

// AcquireStream opens the device node. The open runs in its own goroutine so
// that ctx cancellation is honored even when the driver blocks.
func (d Device) AcquireStream(ctx context.Context, facingMode string) (Stream, error) {
	if d.Path == "" {
		return nil, ErrUnavailable
	}
	type result struct {
		f   *os.File
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(d.Path, os.O_RDWR, 0)
		done <- result{f, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: open %s (%s): %v", ErrUnavailable, d.Path, facingMode, r.err)
		}
		return &deviceStream{f: r.f}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.f != nil {
				_ = r.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Release closes the device node.
func (d Device) Release(s Stream) error {
	ds, ok := s.(*deviceStream)
	if !ok || ds == nil {
		return nil
	}
	return ds.f.Close()
}

// Unavailable is a Source with no camera; every acquisition fails.
type Unavailable struct{}

func (Unavailable) AcquireStream(context.Context, string) (Stream, error) {
	return nil, ErrUnavailable
}

func (Unavailable) Release(Stream) error { return nil }
