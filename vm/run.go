//go:build linux

package vm

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/c35s/biosvm/kvm"
	"golang.org/x/sys/unix"
)

// RunOnce enters the guest and returns the exit that brought it back.
// It does not emulate anything: whatever the guest was doing is left for
// the caller to complete before running again.
//
// Canceling ctx forces the guest out. In that case RunOnce returns
// ctx.Err() and no event.
func (c *VCPU) RunOnce(ctx context.Context) (ExitEvent, error) {
	if c.fd == nil {
		return nil, ErrClosed
	}

	if c.mm == nil {
		return nil, ErrNotMapped
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// the kick below has to find this goroutine on this thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var (
		state  = c.state()
		tid    = unix.Gettid()
		kicked = make(chan struct{})
	)

	state.ImmediateExit = 0

	stop := context.AfterFunc(ctx, func() {
		defer close(kicked)
		state.ImmediateExit = 1

		// SIGURG is what the Go runtime preempts with, so it's already
		// handled and harmless
		unix.Tgkill(unix.Getpid(), tid, unix.SIGURG)
	})

	defer func() {
		if !stop() {
			<-kicked
		}
	}()

	for {
		err := kvm.Run(c.fd)
		if err == nil {
			break
		}

		if errors.Is(err, unix.EINTR) {
			// clear before checking ctx so a kick can't be lost
			state.ImmediateExit = 0
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			continue
		}

		return nil, fmt.Errorf("%w: %w", ErrRun, err)
	}

	return classifyExit(c.mm), nil
}
