package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/andresmejia3/fieldfixer/internal/types"
)

// ProcessFunc corrects one frame. It must not modify task.Frame.
type ProcessFunc func(ctx context.Context, task types.FrameTask) (*image.RGBA, error)

// NextFunc returns the next decoded frame, or io.EOF when the input is done.
type NextFunc func() (*image.RGBA, error)

// EmitFunc receives corrected frames in strictly ascending index order.
type EmitFunc func(types.FrameResult) error

// Ordered reads frames with next, corrects them on n goroutines and hands
// the results to emit in the order they were read. With n <= 1 it runs a
// plain sequential loop. The first error from any stage stops the run and
// is returned; no frame is skipped. It returns the number of frames emitted.
func Ordered(ctx context.Context, n int, next NextFunc, process ProcessFunc, emit EmitFunc) (int, error) {
	if n <= 1 {
		return sequential(ctx, next, process, emit)
	}

	// Cancelling on return stops the reader and any idle workers if we exit
	// early on an error.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	taskChan := make(chan types.FrameTask, n)
	resultsChan := make(chan types.FrameResult, n*2)
	errChan := make(chan error, n+1)

	fail := func(err error) {
		select {
		case errChan <- err:
		default:
		}
		cancel()
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				out, err := process(ctx, task)
				if err != nil {
					fail(fmt.Errorf("frame %d: %w", task.Index, err))
					return
				}
				select {
				case resultsChan <- types.FrameResult{Index: task.Index, Frame: out}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Reader: a single goroutine owns the decoder.
	go func() {
		defer close(taskChan)
		for idx := 0; ; idx++ {
			frame, err := next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				fail(fmt.Errorf("decode frame %d: %w", idx, err))
				return
			}
			select {
			case taskChan <- types.FrameTask{Index: idx, Frame: frame}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	// Workers finish out of order; hold results until the next index arrives.
	buffer := make(map[int]types.FrameResult)
	nextFrame := 0
	for {
		select {
		case <-ctx.Done():
			return nextFrame, firstError(errChan, ctx.Err())
		case res, ok := <-resultsChan:
			if !ok {
				return nextFrame, firstError(errChan, ctx.Err())
			}
			buffer[res.Index] = res

			for {
				frame, ok := buffer[nextFrame]
				if !ok {
					break
				}
				delete(buffer, nextFrame)
				if err := emit(frame); err != nil {
					return nextFrame, fmt.Errorf("emit frame %d: %w", nextFrame, err)
				}
				nextFrame++
			}
		}
	}
}

func sequential(ctx context.Context, next NextFunc, process ProcessFunc, emit EmitFunc) (int, error) {
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return idx, err
		}
		frame, err := next()
		if errors.Is(err, io.EOF) {
			return idx, nil
		}
		if err != nil {
			return idx, fmt.Errorf("decode frame %d: %w", idx, err)
		}
		out, err := process(ctx, types.FrameTask{Index: idx, Frame: frame})
		if err != nil {
			return idx, fmt.Errorf("frame %d: %w", idx, err)
		}
		if err := emit(types.FrameResult{Index: idx, Frame: out}); err != nil {
			return idx, fmt.Errorf("emit frame %d: %w", idx, err)
		}
	}
}

// firstError prefers an error reported by a stage over the fallback.
func firstError(errChan <-chan error, fallback error) error {
	select {
	case err := <-errChan:
		return err
	default:
		return fallback
	}
}
