package dali

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// randomiseDelay gives gear time to draw its 24-bit random address after
// RANDOMISE before the first COMPARE.
const randomiseDelay = 100 * time.Millisecond

// maxClashRetries bounds how often a search restarts after two devices turn
// out to share a random address.
const maxClashRetries = 5

// CommissionOptions controls an addressing run.
type CommissionOptions struct {
	// FullRescan wipes all short addresses first and re-addresses every
	// device on the bus. When false, only unaddressed devices take part and
	// existing assignments are preserved.
	FullRescan bool
	// Used marks short addresses that must not be assigned (devices already
	// on the bus). Ignored for a full rescan.
	Used map[uint8]bool
	// OnFound, if set, is called after each device is successfully given a
	// short address and withdrawn.
	OnFound func(short uint8)
}

// compareResult classifies the bus answer to a COMPARE.
type compareResult uint8

const (
	compareNone compareResult = iota // no device at or below the search address
	compareOne                       // exactly one responder
	compareMany                      // garbled: several responders at once
)

// Commission assigns short addresses to devices using the standard
// random-address binary search. It claims the bus for the whole run, so
// concurrent Sends fail with ErrBusBusy, and always sends TERMINATE before
// returning, cancellation included.
//
// It returns the short addresses assigned during this run.
func (t *Transceiver) Commission(ctx context.Context, opts CommissionOptions) (found []uint8, err error) {
	release, err := t.acquireBus()
	if err != nil {
		return nil, err
	}
	defer release()

	used := make(map[uint8]bool, len(opts.Used))
	scope := InitialiseUnaddressed
	if opts.FullRescan {
		// Clear every short address so all devices answer the unaddressed
		// broadcast-based search from a clean slate.
		if _, err = t.send(ctx, Special(SpecialSetDTR0, 0xFF)); err != nil {
			return nil, err
		}
		if _, err = t.send(ctx, Cmd(Broadcast(), CmdSetShortAddress)); err != nil {
			return nil, err
		}
		scope = InitialiseAll
	} else {
		for a := range opts.Used {
			used[a] = true
		}
	}

	if _, err = t.send(ctx, Special(SpecialInitialise, scope)); err != nil {
		return nil, err
	}
	// TERMINATE must go out even when the run is cancelled, so it gets its
	// own short deadline rather than the caller's context.
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, terr := t.send(tctx, Special(SpecialTerminate, 0x00)); terr != nil {
			t.logger.Error("terminate addressing mode", "err", terr)
			if err == nil {
				err = terr
			}
		}
	}()

	if _, err = t.send(ctx, Special(SpecialRandomise, 0x00)); err != nil {
		return nil, err
	}
	if err = sleepCtx(ctx, randomiseDelay); err != nil {
		return nil, err
	}

	sender := newSearchSender(t)
	clashes := 0
	for {
		// Probe the full address space first: with no device left this is
		// the run's only COMPARE.
		if err = sender.set(ctx, searchAddrMax); err != nil {
			return found, err
		}
		var r compareResult
		if r, err = t.compare(ctx); err != nil {
			return found, err
		}
		if r == compareNone {
			return found, nil
		}

		var addr uint32
		addr, r, err = t.search(ctx, sender)
		if err != nil {
			return found, err
		}
		if r != compareOne {
			// Two devices drew the same random address (or the search went
			// inconsistent). Redraw and start over.
			clashes++
			t.logger.Warn("random address clash, re-randomising",
				"addr", fmt.Sprintf("0x%06X", addr), "attempt", clashes)
			if clashes > maxClashRetries {
				return found, fmt.Errorf("addressing: %d unresolved random address clashes", clashes)
			}
			if _, err = t.send(ctx, Special(SpecialRandomise, 0x00)); err != nil {
				return found, err
			}
			if err = sleepCtx(ctx, randomiseDelay); err != nil {
				return found, err
			}
			sender.invalidate()
			continue
		}

		short, ok := nextFreeShort(used)
		if !ok {
			return found, ErrAddressSpaceExhausted
		}
		if err = t.program(ctx, short); err != nil {
			if errors.Is(err, ErrNoResponse) || errors.Is(err, ErrFramingError) {
				// The isolated device did not take the address cleanly;
				// treat like a clash and redraw.
				clashes++
				t.logger.Warn("short address programming failed, re-randomising",
					"short", short, "attempt", clashes, "err", err)
				if clashes > maxClashRetries {
					return found, err
				}
				if _, err = t.send(ctx, Special(SpecialRandomise, 0x00)); err != nil {
					return found, err
				}
				if err = sleepCtx(ctx, randomiseDelay); err != nil {
					return found, err
				}
				sender.invalidate()
				continue
			}
			return found, err
		}
		if _, err = t.send(ctx, Special(SpecialWithdraw, 0x00)); err != nil {
			return found, err
		}

		used[short] = true
		found = append(found, short)
		clashes = 0
		t.logger.Info("device addressed", "short", short,
			"random", fmt.Sprintf("0x%06X", addr))
		if opts.OnFound != nil {
			opts.OnFound(short)
		}
	}
}

// search isolates the lowest random address still answering COMPARE by
// binary search, then re-checks the collapsed point. At most 24 halvings per
// device.
func (t *Transceiver) search(ctx context.Context, sender *searchSender) (uint32, compareResult, error) {
	low, high := uint32(0), uint32(searchAddrMax)
	for low < high {
		mid := low + (high-low)/2
		if err := sender.set(ctx, mid); err != nil {
			return 0, 0, err
		}
		r, err := t.compare(ctx)
		if err != nil {
			return 0, 0, err
		}
		if r == compareNone {
			low = mid + 1
		} else {
			high = mid
		}
	}
	if err := sender.set(ctx, low); err != nil {
		return 0, 0, err
	}
	r, err := t.compare(ctx)
	return low, r, err
}

// program stores and verifies a short address on the single selected device.
func (t *Transceiver) program(ctx context.Context, short uint8) error {
	coded := short<<1 | 0x01
	if _, err := t.send(ctx, Special(SpecialProgramShortAddress, coded)); err != nil {
		return err
	}
	v, err := t.send(ctx, Special(SpecialVerifyShortAddress, coded))
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("verify short address %d: %w", short, ErrNoResponse)
	}
	q, err := t.send(ctx, Special(SpecialQueryShortAddress, 0x00))
	if err != nil {
		return err
	}
	if got := *q >> 1; got != short {
		return fmt.Errorf("%w: programmed short address %d, device reports %d",
			ErrFramingError, short, got)
	}
	return nil
}

// compare issues COMPARE and classifies the answer. A framing error is not a
// failure here: it means several devices answered at once.
func (t *Transceiver) compare(ctx context.Context) (compareResult, error) {
	reply, err := t.send(ctx, Special(SpecialCompare, 0x00))
	if err != nil {
		if errors.Is(err, ErrFramingError) {
			return compareMany, nil
		}
		return 0, err
	}
	if reply == nil {
		return compareNone, nil
	}
	return compareOne, nil
}

const searchAddrMax = 0xFFFFFF

// searchSender tracks the adapter-side search address registers and only
// transmits the SEARCHADDR bytes that changed since the last set.
type searchSender struct {
	t       *Transceiver
	h, m, l int16 // last programmed byte, -1 = unknown
}

func newSearchSender(t *Transceiver) *searchSender {
	return &searchSender{t: t, h: -1, m: -1, l: -1}
}

// invalidate forgets the cached register state, forcing the next set to
// rewrite all three bytes.
func (s *searchSender) invalidate() {
	s.h, s.m, s.l = -1, -1, -1
}

func (s *searchSender) set(ctx context.Context, addr uint32) error {
	h := int16(addr >> 16 & 0xFF)
	m := int16(addr >> 8 & 0xFF)
	l := int16(addr & 0xFF)
	if h != s.h {
		if _, err := s.t.send(ctx, Special(SpecialSearchAddrH, uint8(h))); err != nil {
			return err
		}
		s.h = h
	}
	if m != s.m {
		if _, err := s.t.send(ctx, Special(SpecialSearchAddrM, uint8(m))); err != nil {
			return err
		}
		s.m = m
	}
	if l != s.l {
		if _, err := s.t.send(ctx, Special(SpecialSearchAddrL, uint8(l))); err != nil {
			return err
		}
		s.l = l
	}
	return nil
}

// nextFreeShort returns the lowest unassigned short address.
func nextFreeShort(used map[uint8]bool) (uint8, bool) {
	for a := uint8(0); a < 64; a++ {
		if !used[a] {
			return a, true
		}
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
