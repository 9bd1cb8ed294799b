package tta

import (
	"context"
	"encoding/binary"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultPollInterval is the interval between reads of the status word while waiting for a kernel to finish.
const DefaultPollInterval = 20 * time.Millisecond

// handshake drives the single command slot of a device:
//
//  1. Wait until the slot status is FREE.
//  2. Write the whole ExecutionCommand, with its status still FREE.
//  3. Write status READY, as a separate and last word write.
//  4. Poll until the status is FINISHED.
//  5. Write status FREE to release the slot.
//
// There is only one outstanding command per device: the whole sequence is serialized.
type handshake struct {
	transfer Transfer
	order    binary.ByteOrder
	slot     uint32
	staging  *stagingPools

	// pollInterval between reads of the status while waiting for FINISHED. Waiting for FREE is a busy-wait.
	pollInterval time.Duration

	// timeout bounds each of the waits, if > 0. There is no timeout by default: the device protocol has no
	// interrupt line, and a device that never finishes hangs the waiting goroutine.
	timeout time.Duration

	mu sync.Mutex
}

func newHandshake(transfer Transfer, order binary.ByteOrder, slot uint32, staging *stagingPools) *handshake {
	return &handshake{
		transfer:     transfer,
		order:        order,
		slot:         slot,
		staging:      staging,
		pollInterval: DefaultPollInterval,
	}
}

// statusAddr is the device address of the status word of the slot.
func (h *handshake) statusAddr() uint32 {
	return h.slot + StatusOffset
}

// readWord reads one 32-bit word from the device, converting it from the device byte order.
func (h *handshake) readWord(addr uint32) (uint32, error) {
	var buf [4]byte
	if err := h.transfer.CopyDeviceToHost(addr, buf[:]); err != nil {
		return 0, errors.WithMessagef(err, "failed to read word at 0x%x", addr)
	}
	return h.order.Uint32(buf[:]), nil
}

// writeWord writes one 32-bit word to the device, in the device byte order.
func (h *handshake) writeWord(addr, word uint32) error {
	var buf [4]byte
	h.order.PutUint32(buf[:], word)
	if err := h.transfer.CopyHostToDevice(buf[:], addr); err != nil {
		return errors.WithMessagef(err, "failed to write word at 0x%x", addr)
	}
	return nil
}

// initSlot marks the slot as FREE, done once at device bring-up.
func (h *handshake) initSlot() error {
	return h.writeWord(h.statusAddr(), uint32(StatusFree))
}

// execute runs the full handshake for the command. It returns once the device reported FINISHED and the slot was
// released.
//
// The ctx can be used to cancel the waits: the device state is then unknown, and the returned error wraps
// ErrHandshakeTimeout.
func (h *handshake) execute(ctx context.Context, cmd *ExecutionCommand) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	// 1. Wait until the device command slot has room.
	klog.V(2).Infof("tta: waiting for the command slot at 0x%x to be FREE", h.slot)
	if err := h.waitFor(ctx, StatusFree, 0); err != nil {
		return err
	}

	// 2. Write the command, with status FREE so the device doesn't start on a partially written command.
	cmd.Status = StatusFree
	buf := h.staging.Get(ExecutionCommandSize)
	defer h.staging.Return(buf)
	if err := h.transfer.CopyHostToDevice(cmd.Encode(h.order, buf), h.slot); err != nil {
		return errors.WithMessagef(err, "failed to write command to slot 0x%x", h.slot)
	}

	// 3. READY is written last.
	if err := h.writeWord(h.statusAddr(), uint32(StatusReady)); err != nil {
		return err
	}
	cmd.Status = StatusReady

	// 4. Wait for the kernel to finish.
	klog.V(2).Infof("tta: command written to slot 0x%x, waiting for it to be executed", h.slot)
	if err := h.waitFor(ctx, StatusFinished, h.pollInterval); err != nil {
		return err
	}
	cmd.Status = StatusFinished

	// 5. Release the slot.
	if err := h.writeWord(h.statusAddr(), uint32(StatusFree)); err != nil {
		return err
	}
	cmd.Status = StatusFree
	return nil
}

// waitFor polls the status word until it equals want. If interval is 0 it busy-waits.
func (h *handshake) waitFor(ctx context.Context, want SlotStatus, interval time.Duration) error {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	var ticker *time.Ticker
	if interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}
	for {
		word, err := h.readWord(h.statusAddr())
		if err != nil {
			return err
		}
		if SlotStatus(word) == want {
			return nil
		}
		if ticker == nil {
			if err := ctx.Err(); err != nil {
				return errors.Wrapf(ErrHandshakeTimeout, "waiting for %s (last status %s): %v", want, SlotStatus(word), err)
			}
			runtime.Gosched()
			continue
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ErrHandshakeTimeout, "waiting for %s (last status %s): %v", want, SlotStatus(word), ctx.Err())
		case <-ticker.C:
		}
	}
}
