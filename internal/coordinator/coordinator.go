package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dali-go-home/internal/dali"
	"dali-go-home/internal/store"
)

// Config holds coordinator configuration.
type Config struct {
	// ScanOnStart runs an incremental addressing scan when the coordinator
	// starts.
	ScanOnStart bool
}

// AdapterConfig holds adapter/port configuration for display purposes.
type AdapterConfig struct {
	Port   string
	Serial string
}

// Coordinator owns the DALI bus: it runs scans, keeps the gear registry in
// sync with the store, mirrors snooped traffic into registry state, and
// publishes everything as events.
type Coordinator struct {
	bus      dali.Bus
	store    store.Store
	registry *Registry
	events   *EventBus
	logger   *slog.Logger
	config   Config
	adapter  AdapterConfig

	scanMu sync.Mutex // one scan at a time, including enumeration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator on an open bus.
func New(bus dali.Bus, st store.Store, registry *Registry, events *EventBus, cfg Config, adapterCfg AdapterConfig, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		bus:      bus,
		store:    st,
		registry: registry,
		events:   events,
		logger:   logger,
		config:   cfg,
		adapter:  adapterCfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// LoadPersistedGear seeds the registry from the store so control works before
// any scan has run. Cached levels start at zero and catch up from bus traffic
// or the next scan.
func (c *Coordinator) LoadPersistedGear() error {
	gear, err := c.store.ListGear()
	if err != nil {
		return fmt.Errorf("list gear: %w", err)
	}
	for _, meta := range gear {
		c.registry.Upsert(&GearInfo{
			UniqueID:     meta.UniqueID,
			Short:        meta.ShortAddress,
			FriendlyName: meta.FriendlyName,
			Identity: dali.DeviceIdentity{
				GTIN:       meta.GTIN,
				Serial:     meta.Serial,
				DeviceType: meta.DeviceType,
				Groups:     meta.Groups,
				MinLevel:   meta.MinLevel,
				MaxLevel:   meta.MaxLevel,
			},
			LastSeen: meta.LastSeen,
		})
	}
	if len(gear) > 0 {
		c.logger.Info("registry seeded from store", "gear", len(gear))
	}
	return nil
}

// Start launches the traffic watcher and, when configured, the initial scan.
func (c *Coordinator) Start(ctx context.Context) error {
	c.wg.Add(1)
	go c.watchTraffic()

	c.events.Emit(Event{Type: EventBusState, Data: map[string]interface{}{
		"state": "connected",
		"port":  c.adapter.Port,
	}})

	if c.config.ScanOnStart {
		if _, err := c.ScanForGear(ctx, false); err != nil {
			return fmt.Errorf("initial scan: %w", err)
		}
	}
	return nil
}

// Stop cancels the coordinator context and waits for the traffic watcher.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Bus returns the underlying bus.
func (c *Coordinator) Bus() dali.Bus {
	return c.bus
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Registry returns the gear registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Adapter returns adapter/port information for display.
func (c *Coordinator) Adapter() AdapterConfig {
	return c.adapter
}

// ScanForGear addresses unaddressed devices (or, with full set, re-addresses
// everything from scratch), then enumerates the bus, reads identities, and
// reconciles registry and store. It returns the gear now present.
func (c *Coordinator) ScanForGear(ctx context.Context, full bool) ([]GearInfo, error) {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	c.events.Emit(Event{Type: EventScanState, Data: map[string]interface{}{
		"state": "started",
		"full":  full,
	}})

	opts := dali.CommissionOptions{FullRescan: full}
	if !full {
		opts.Used = c.registry.UsedAddresses()
	}
	assigned, err := c.bus.Commission(ctx, opts)
	if err != nil {
		c.events.Emit(Event{Type: EventScanState, Data: map[string]interface{}{
			"state": "failed",
			"error": err.Error(),
		}})
		return nil, fmt.Errorf("addressing: %w", err)
	}
	c.logger.Info("addressing complete", "full", full, "newly_addressed", len(assigned))

	present, err := c.enumerate(ctx)
	if err != nil {
		c.events.Emit(Event{Type: EventScanState, Data: map[string]interface{}{
			"state": "failed",
			"error": err.Error(),
		}})
		return nil, err
	}

	gear := c.reconcile(present)

	if err := c.store.SaveBusState(&store.BusState{
		AdapterPort:   c.adapter.Port,
		AdapterSerial: c.adapter.Serial,
		LastScan:      time.Now(),
	}); err != nil {
		c.logger.Error("save bus state", "err", err)
	}

	c.events.Emit(Event{Type: EventScanState, Data: map[string]interface{}{
		"state": "done",
		"found": len(gear),
	}})
	return gear, nil
}

// enumerate probes every short address and reads the identity of each
// responding device.
func (c *Coordinator) enumerate(ctx context.Context) ([]*GearInfo, error) {
	var present []*GearInfo
	for short := uint8(0); short < 64; short++ {
		addr := dali.MustShortAddress(short)
		id, err := c.bus.ReadIdentity(ctx, addr)
		if err != nil {
			if errors.Is(err, dali.ErrDeviceNotAddressed) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// A device answered the probe but the identity read failed;
			// leave it out rather than register it under an unstable key.
			c.logger.Warn("identity read failed, skipping", "short", short, "err", err)
			continue
		}
		present = append(present, &GearInfo{
			UniqueID: id.UniqueID(),
			Short:    short,
			Identity: *id,
			Level:    id.ActualLevel,
			LampOn:   id.ActualLevel > 0,
			LastSeen: time.Now(),
		})
	}
	return present, nil
}

// reconcile replaces the registry contents with the enumerated gear, carries
// friendly names over from the store, persists metadata, and emits
// found/update/lost events.
func (c *Coordinator) reconcile(present []*GearInfo) []GearInfo {
	before := make(map[string]bool)
	for _, g := range c.registry.List() {
		before[g.UniqueID] = true
	}
	c.registry.Clear()

	now := time.Now()
	out := make([]GearInfo, 0, len(present))
	for _, g := range present {
		meta, err := c.store.GetGear(g.UniqueID)
		known := err == nil
		if known {
			g.FriendlyName = meta.FriendlyName
		} else {
			meta = &store.Gear{UniqueID: g.UniqueID, FirstSeen: now}
		}
		meta.ShortAddress = g.Short
		meta.GTIN = g.Identity.GTIN
		meta.Serial = g.Identity.Serial
		meta.DeviceType = g.Identity.DeviceType
		meta.Groups = g.Identity.Groups
		meta.MinLevel = g.Identity.MinLevel
		meta.MaxLevel = g.Identity.MaxLevel
		meta.LastSeen = now
		if err := c.store.SaveGear(meta); err != nil {
			c.logger.Error("save gear", "err", err, "unique_id", g.UniqueID)
		}

		c.registry.Upsert(g)
		out = append(out, *g)

		evtType := EventGearFound
		if before[g.UniqueID] {
			evtType = EventGearUpdate
		}
		delete(before, g.UniqueID)
		c.logger.Info("gear present", "unique_id", g.UniqueID, "short", g.Short,
			"name", g.FriendlyName, "level", g.Level)
		c.events.Emit(Event{Type: evtType, Data: gearEventData(*g)})
	}

	for id := range before {
		c.logger.Info("gear lost", "unique_id", id)
		c.events.Emit(Event{Type: EventGearLost, Data: map[string]interface{}{
			"unique_id": id,
		}})
	}
	return out
}

func gearEventData(g GearInfo) map[string]interface{} {
	return map[string]interface{}{
		"unique_id":     g.UniqueID,
		"short":         g.Short,
		"friendly_name": g.FriendlyName,
		"level":         g.Level,
		"lamp_on":       g.LampOn,
		"device_type":   g.Identity.DeviceType,
		"groups":        g.Identity.Groups,
	}
}

// watchTraffic mirrors decoded bus traffic into events and keeps registry
// levels in sync with frames sent by other controllers on the bus.
func (c *Coordinator) watchTraffic() {
	defer c.wg.Done()

	ch, cancel := c.bus.Listen(64)
	defer cancel()

	for {
		select {
		case <-c.ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			c.handleMessage(m)
		}
	}
}

func (c *Coordinator) handleMessage(m dali.Message) {
	c.events.Emit(Event{Type: EventBusTraffic, Data: map[string]interface{}{
		"source":  m.Source.String(),
		"message": m.String(),
		"time":    m.Time,
	}})

	// Our own frames are reflected into the registry by the command methods;
	// here we only track what other controllers do.
	if m.Source != dali.SourceExternal {
		return
	}

	switch m.Kind {
	case dali.MsgDirectArcPower:
		if m.Value == 0xFF { // MASK, no level change
			return
		}
		for _, g := range c.registry.Affected(m) {
			c.applyLevel(g.Short, m.Value)
		}
	case dali.MsgCommand:
		if m.Opcode.IsQuery() {
			return
		}
		for _, g := range c.registry.Affected(m) {
			switch m.Opcode {
			case dali.CmdOff, dali.CmdStepDownAndOff:
				c.applyLevel(g.Short, 0)
			case dali.CmdRecallMaxLevel:
				c.applyLevel(g.Short, g.Identity.MaxLevel)
			case dali.CmdRecallMinLevel:
				c.applyLevel(g.Short, g.Identity.MinLevel)
			default:
				// Relative fades and scene recalls land on a level we can't
				// compute locally; re-query when the bus is free.
				c.refreshLevel(g.Short)
			}
		}
	}
}

// applyLevel updates the cached level and emits gear_state if it changed.
func (c *Coordinator) applyLevel(short, level uint8) {
	if g, changed := c.registry.SetLevel(short, level); changed {
		c.events.Emit(Event{Type: EventGearState, Data: gearEventData(g)})
	}
}

// refreshLevel re-reads the actual level of one device. Best effort: during
// an addressing run the bus is busy and the scan will refresh levels anyway.
func (c *Coordinator) refreshLevel(short uint8) {
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	v, err := c.bus.Send(ctx, dali.Cmd(dali.MustShortAddress(short), dali.CmdQueryActualLevel))
	if err != nil {
		if !errors.Is(err, dali.ErrBusBusy) {
			c.logger.Warn("refresh level", "short", short, "err", err)
		}
		return
	}
	c.applyLevel(short, *v)
}
