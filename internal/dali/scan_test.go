package dali

import (
	"context"
	"errors"
	"testing"
)

func TestCommissionFullRescan(t *testing.T) {
	// Shorts assigned out of order beforehand; a full rescan redoes them all.
	a := newSimGear(0xABCDEF, 9)
	b := newSimGear(0x010203, 5)
	c := newSimGear(0x0F0F0F, -1)
	tr, _ := newTestBus(a, b, c)
	defer tr.Close()

	found, err := tr.Commission(context.Background(), CommissionOptions{FullRescan: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 3 {
		t.Fatalf("found %d devices, want 3", len(found))
	}
	// The search isolates devices in ascending random address order.
	if b.short != 0 || c.short != 1 || a.short != 2 {
		t.Errorf("shorts: got %d %d %d, want 0 1 2", b.short, c.short, a.short)
	}
	for _, g := range []*simGear{a, b, c} {
		if g.initialised {
			t.Error("addressing mode not terminated")
		}
	}
}

func TestCommissionEmptyBusSingleCompare(t *testing.T) {
	tr, sim := newTestBus()
	defer tr.Close()

	found, err := tr.Commission(context.Background(), CommissionOptions{FullRescan: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Errorf("found %v on empty bus", found)
	}
	compareFrame := uint16(Special(SpecialCompare, 0).Frame())
	if n := sim.writeCount(compareFrame); n != 1 {
		t.Errorf("COMPARE transmitted %d times on empty bus, want 1", n)
	}
}

func TestCommissionIncrementalPreservesAddresses(t *testing.T) {
	addressed := newSimGear(0x111111, 3)
	fresh := newSimGear(0x222222, -1)
	tr, _ := newTestBus(addressed, fresh)
	defer tr.Close()

	var notified []uint8
	found, err := tr.Commission(context.Background(), CommissionOptions{
		Used:    map[uint8]bool{3: true},
		OnFound: func(short uint8) { notified = append(notified, short) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0] != 0 {
		t.Errorf("found: got %v, want [0]", found)
	}
	if addressed.short != 3 {
		t.Errorf("existing assignment changed to %d", addressed.short)
	}
	if fresh.short != 0 {
		t.Errorf("new device got short %d, want 0", fresh.short)
	}
	if len(notified) != 1 || notified[0] != 0 {
		t.Errorf("OnFound calls: got %v", notified)
	}
}

func TestCommissionSearchEffortBounded(t *testing.T) {
	tr, sim := newTestBus(
		newSimGear(0x010203, -1),
		newSimGear(0x0F0F0F, -1),
		newSimGear(0xABCDEF, -1),
	)
	defer tr.Close()

	if _, err := tr.Commission(context.Background(), CommissionOptions{FullRescan: true}); err != nil {
		t.Fatal(err)
	}
	// Per device: 24 halvings plus the full-range probe and the collapsed-point
	// re-check, plus one final full-range probe for the whole run.
	compareFrame := uint16(Special(SpecialCompare, 0).Frame())
	if n := sim.writeCount(compareFrame); n > 3*26+1 {
		t.Errorf("COMPARE transmitted %d times for 3 devices, want <= %d", n, 3*26+1)
	}
}

func TestCommissionRandomAddressClash(t *testing.T) {
	// Both devices draw the same random address first, then diverge on the
	// forced redraw.
	a := newSimGear(0, -1)
	a.randomNext = []uint32{0x101010, 0x000001}
	b := newSimGear(0, -1)
	b.randomNext = []uint32{0x101010, 0x808080}
	tr, _ := newTestBus(a, b)
	defer tr.Close()

	found, err := tr.Commission(context.Background(), CommissionOptions{FullRescan: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("found %d devices, want 2", len(found))
	}
	if a.short != 0 || b.short != 1 {
		t.Errorf("shorts: got %d %d, want 0 1", a.short, b.short)
	}
}

func TestCommissionAddressSpaceExhausted(t *testing.T) {
	used := make(map[uint8]bool, 64)
	for i := uint8(0); i < 64; i++ {
		used[i] = true
	}
	g := newSimGear(0x123456, -1)
	tr, _ := newTestBus(g)
	defer tr.Close()

	_, err := tr.Commission(context.Background(), CommissionOptions{Used: used})
	if !errors.Is(err, ErrAddressSpaceExhausted) {
		t.Errorf("got %v, want ErrAddressSpaceExhausted", err)
	}
	if g.initialised {
		t.Error("gear left in addressing mode after exhaustion")
	}
}

func TestCommissionCancelledStillTerminates(t *testing.T) {
	a := newSimGear(0x010203, -1)
	b := newSimGear(0x0F0F0F, -1)
	tr, sim := newTestBus(a, b)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := tr.Commission(ctx, CommissionOptions{
		FullRescan: true,
		OnFound:    func(uint8) { cancel() },
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	terminateFrame := uint16(Special(SpecialTerminate, 0).Frame())
	if n := sim.writeCount(terminateFrame); n != 1 {
		t.Errorf("TERMINATE transmitted %d times after cancel, want 1", n)
	}
	if a.initialised || b.initialised {
		t.Error("gear left in addressing mode after cancel")
	}
}

func TestCommissionRejectsConcurrentRun(t *testing.T) {
	tr, _ := newTestBus()
	defer tr.Close()

	release, err := tr.acquireBus()
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	if _, err := tr.Commission(context.Background(), CommissionOptions{}); !errors.Is(err, ErrBusBusy) {
		t.Errorf("got %v, want ErrBusBusy", err)
	}
}
