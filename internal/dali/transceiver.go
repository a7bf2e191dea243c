package dali

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// settleDelay is the enforced gap between consecutive forward frames so
	// the bus settles and gear can decode back-to-back transmissions.
	settleDelay = 15 * time.Millisecond
	// txTimeout bounds one transaction: the adapter confirms transmission and
	// reports the backward frame window result well within this.
	txTimeout = 1 * time.Second
	// readTimeout is the poll interval of the read loop; it only bounds how
	// quickly Close is noticed.
	readTimeout = 500 * time.Millisecond
)

// Transceiver drives one DALI bus through an adapter Transport. It serialises
// forward frames (DALI is half duplex: one transaction at a time), correlates
// adapter confirmations and backward frames with the transaction that caused
// them, and fans every decoded frame out to subscribed listeners.
type Transceiver struct {
	tr     Transport
	logger *slog.Logger

	// Transaction correlation, keyed by the sequence number echoed in RX
	// packets.
	seq       atomic.Uint32
	pendingMu sync.Mutex
	pending   map[uint8]chan Message

	// sendMu serialises transactions; settle and lastTX are guarded by it.
	sendMu sync.Mutex
	settle time.Duration
	lastTX time.Time

	// exclusive is set while an addressing scan owns the bus. Ordinary sends
	// fail fast with ErrBusBusy instead of interleaving with the search.
	exclusive atomic.Bool

	listenerMu   sync.Mutex
	listeners    map[uint64]chan Message
	nextListener uint64
	dropped      atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTransceiver starts a transceiver on an open transport. The caller keeps
// ownership of nothing: Close also closes the transport.
func NewTransceiver(tr Transport, logger *slog.Logger) *Transceiver {
	t := &Transceiver{
		tr:        tr,
		logger:    logger,
		settle:    settleDelay,
		pending:   make(map[uint8]chan Message),
		listeners: make(map[uint64]chan Message),
		done:      make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop()
	return t
}

// nextSeq allocates the next transaction sequence number, skipping zero so an
// all-zero RX packet never matches a pending transaction.
func (t *Transceiver) nextSeq() uint8 {
	for {
		s := uint8(t.seq.Add(1))
		if s != 0 {
			return s
		}
	}
}

// Send transmits one command and waits for its outcome. The returned byte is
// the backward frame value, or nil when no reply arrived and the command's
// reply class permits that. Repeat-required commands are transmitted twice,
// each as its own transport write, and the second outcome is returned.
//
// While an addressing scan holds the bus, Send fails with ErrBusBusy.
func (t *Transceiver) Send(ctx context.Context, cmd Command) (*uint8, error) {
	if t.exclusive.Load() {
		return nil, fmt.Errorf("%w: addressing in progress", ErrBusBusy)
	}
	return t.send(ctx, cmd)
}

// send is Send without the exclusivity check. Scan code that owns the bus
// goes through here.
func (t *Transceiver) send(ctx context.Context, cmd Command) (*uint8, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	reply, err := t.transact(ctx, cmd)
	if err != nil || !cmd.RepeatRequired() {
		return reply, err
	}
	return t.transact(ctx, cmd)
}

// transact performs one physical transmission: settle, write, await the
// adapter's confirmation and (when expected) the backward frame result.
// Caller holds sendMu.
func (t *Transceiver) transact(ctx context.Context, cmd Command) (*uint8, error) {
	select {
	case <-t.done:
		return nil, fmt.Errorf("%w: transceiver closed", ErrClosed)
	default:
	}

	seq := t.nextSeq()
	ch := make(chan Message, 4)
	t.pendingMu.Lock()
	t.pending[seq] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, seq)
		t.pendingMu.Unlock()
	}()

	pkt, err := encodeTxPacket(seq, cmd)
	if err != nil {
		return nil, err
	}

	// Enforce the inter-frame gap.
	if wait := t.settle - time.Since(t.lastTX); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, fmt.Errorf("%w: transceiver closed", ErrClosed)
		}
	}
	if err := t.tr.Write(pkt); err != nil {
		return nil, fmt.Errorf("send %s: %w", cmd, err)
	}
	t.lastTX = time.Now()
	t.logger.Debug("dali TX", "cmd", cmd.String(), "seq", seq)

	deadline := time.NewTimer(txTimeout)
	defer deadline.Stop()
	confirmed := false
	for {
		select {
		case m := <-ch:
			switch m.Kind {
			case MsgResponse:
				v := m.Value
				t.logger.Debug("dali RX", "cmd", cmd.String(), "seq", seq, "value", v)
				return &v, nil
			case MsgNoReply:
				if cmd.Reply() == ReplyRequired {
					return nil, fmt.Errorf("%s: %w", cmd, ErrNoResponse)
				}
				return nil, nil
			case MsgBadFrame:
				return nil, fmt.Errorf("%s: %w", cmd, ErrFramingError)
			default:
				// Our own frame echoed back: transmission confirmed. For
				// commands that never produce a backward frame this completes
				// the transaction; otherwise keep waiting for the window
				// result.
				confirmed = true
				if cmd.Reply() == ReplyNone {
					return nil, nil
				}
			}
		case <-deadline.C:
			if !confirmed {
				return nil, fmt.Errorf("%s: transmit confirmation: %w", cmd, ErrNoResponse)
			}
			if cmd.Reply() == ReplyRequired {
				return nil, fmt.Errorf("%s: %w", cmd, ErrNoResponse)
			}
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, fmt.Errorf("%w: transceiver closed", ErrClosed)
		}
	}
}

// acquireBus claims the bus for an addressing sequence. Until the returned
// release function is called, Send fails with ErrBusBusy.
func (t *Transceiver) acquireBus() (release func(), err error) {
	if !t.exclusive.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: addressing already in progress", ErrBusBusy)
	}
	return func() { t.exclusive.Store(false) }, nil
}

// Scanning reports whether an addressing sequence currently owns the bus.
func (t *Transceiver) Scanning() bool {
	return t.exclusive.Load()
}

// Listen subscribes to decoded bus traffic, solicited and unsolicited alike.
// The channel is bounded; a slow consumer loses frames rather than stalling
// the read loop. The returned function cancels the subscription and closes
// the channel.
func (t *Transceiver) Listen(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Message, buffer)

	t.listenerMu.Lock()
	id := t.nextListener
	t.nextListener++
	t.listeners[id] = ch
	t.listenerMu.Unlock()

	// Map membership decides who closes the channel: Close removes every
	// entry, so whichever of Close and cancel runs second finds the listener
	// gone and does nothing.
	cancel := func() {
		t.listenerMu.Lock()
		_, live := t.listeners[id]
		delete(t.listeners, id)
		t.listenerMu.Unlock()
		if live {
			close(ch)
		}
	}
	return ch, cancel
}

// Dropped returns the number of frames discarded because listener buffers
// were full.
func (t *Transceiver) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *Transceiver) readLoop() {
	defer t.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-t.done:
			return
		default:
		}

		raw, err := t.tr.Read(readTimeout)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				if !errors.Is(err, io.EOF) && !strings.Contains(err.Error(), "closed") {
					t.logger.Error("adapter read error", "err", err)
				}
				select {
				case <-time.After(backoff):
				case <-t.done:
					return
				}
				if backoff < maxBackoff {
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
				}
				continue
			}
		}
		backoff = 10 * time.Millisecond
		if raw == nil { // timeout, nothing on the wire
			continue
		}

		m, err := decodeRxPacket(raw, time.Now())
		if err != nil {
			t.logger.Warn("adapter packet decode error", "err", err, "len", len(raw))
			continue
		}
		t.dispatch(m)
	}
}

// dispatch routes one decoded message: to the pending transaction matching
// its sequence number, and to every listener.
func (t *Transceiver) dispatch(m Message) {
	if m.Source == SourceSelf && m.Seq != 0 {
		t.pendingMu.Lock()
		ch, ok := t.pending[m.Seq]
		t.pendingMu.Unlock()
		if ok {
			select {
			case ch <- m:
			default:
			}
		} else {
			t.logger.Debug("orphaned adapter message", "msg", m.String(), "seq", m.Seq)
		}
	}

	t.listenerMu.Lock()
	for _, ch := range t.listeners {
		select {
		case ch <- m:
		default:
			t.dropped.Add(1)
		}
	}
	t.listenerMu.Unlock()
}

// Close stops the read loop, closes the transport, and closes all listener
// channels.
func (t *Transceiver) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.tr.Close()
		t.wg.Wait()

		t.listenerMu.Lock()
		for id, ch := range t.listeners {
			close(ch)
			delete(t.listeners, id)
		}
		t.listenerMu.Unlock()
	})
	return err
}
