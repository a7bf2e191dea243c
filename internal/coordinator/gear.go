package coordinator

import (
	"context"
	"fmt"

	"dali-go-home/internal/dali"
	"dali-go-home/internal/store"
)

// GearStatus is the decoded QUERY STATUS bitfield.
type GearStatus struct {
	ControlGearFailure  bool `json:"control_gear_failure"`
	LampFailure         bool `json:"lamp_failure"`
	LampOn              bool `json:"lamp_on"`
	LimitError          bool `json:"limit_error"`
	FadeRunning         bool `json:"fade_running"`
	ResetState          bool `json:"reset_state"`
	MissingShortAddress bool `json:"missing_short_address"`
	PowerFailure        bool `json:"power_failure"`
}

func decodeStatus(b uint8) GearStatus {
	return GearStatus{
		ControlGearFailure:  b&0x01 != 0,
		LampFailure:         b&0x02 != 0,
		LampOn:              b&0x04 != 0,
		LimitError:          b&0x08 != 0,
		FadeRunning:         b&0x10 != 0,
		ResetState:          b&0x20 != 0,
		MissingShortAddress: b&0x40 != 0,
		PowerFailure:        b&0x80 != 0,
	}
}

// resolve maps a unique ID to the gear's current bus address without
// touching the bus. Unknown gear never causes a transmission.
func (c *Coordinator) resolve(uniqueID string) (dali.Address, GearInfo, error) {
	g, ok := c.registry.ByUniqueID(uniqueID)
	if !ok {
		return dali.Address{}, GearInfo{}, fmt.Errorf("%w: unknown gear %q", dali.ErrDeviceNotAddressed, uniqueID)
	}
	return dali.MustShortAddress(g.Short), g, nil
}

// GearOn turns one piece of gear back on at the level it was last dimmed to.
func (c *Coordinator) GearOn(ctx context.Context, uniqueID string) error {
	addr, g, err := c.resolve(uniqueID)
	if err != nil {
		return err
	}
	if _, err := c.bus.Send(ctx, dali.Cmd(addr, dali.CmdGoToLastActiveLevel)); err != nil {
		return err
	}
	// The restored level is device-side state; read it back.
	v, err := c.bus.Send(ctx, dali.Cmd(addr, dali.CmdQueryActualLevel))
	if err != nil {
		c.logger.Warn("query level after on", "short", g.Short, "err", err)
		return nil
	}
	c.applyLevel(g.Short, *v)
	return nil
}

// GearOff turns one piece of gear off without a fade.
func (c *Coordinator) GearOff(ctx context.Context, uniqueID string) error {
	addr, g, err := c.resolve(uniqueID)
	if err != nil {
		return err
	}
	if _, err := c.bus.Send(ctx, dali.Cmd(addr, dali.CmdOff)); err != nil {
		return err
	}
	c.applyLevel(g.Short, 0)
	return nil
}

// GearSetLevel dims one piece of gear to the given level (0-254) using the
// device's configured fade.
func (c *Coordinator) GearSetLevel(ctx context.Context, uniqueID string, level uint8) error {
	if level > 254 {
		return fmt.Errorf("level %d out of range 0-254", level)
	}
	addr, g, err := c.resolve(uniqueID)
	if err != nil {
		return err
	}
	if _, err := c.bus.Send(ctx, dali.DirectArcPower(addr, level)); err != nil {
		return err
	}
	c.applyLevel(g.Short, level)
	return nil
}

// GearBrighten fades one piece of gear up for 200ms at the configured fade
// rate. The resulting level lives on the device, so it is read back.
func (c *Coordinator) GearBrighten(ctx context.Context, uniqueID string) error {
	return c.gearFade(ctx, uniqueID, dali.CmdUp)
}

// GearDim fades one piece of gear down for 200ms at the configured fade rate.
// Down never turns the lamp off; it stops at the minimum level.
func (c *Coordinator) GearDim(ctx context.Context, uniqueID string) error {
	return c.gearFade(ctx, uniqueID, dali.CmdDown)
}

func (c *Coordinator) gearFade(ctx context.Context, uniqueID string, code dali.CommandCode) error {
	addr, g, err := c.resolve(uniqueID)
	if err != nil {
		return err
	}
	if _, err := c.bus.Send(ctx, dali.Cmd(addr, code)); err != nil {
		return err
	}
	v, err := c.bus.Send(ctx, dali.Cmd(addr, dali.CmdQueryActualLevel))
	if err != nil {
		c.logger.Warn("query level after fade", "short", g.Short, "err", err)
		return nil
	}
	c.applyLevel(g.Short, *v)
	return nil
}

// GearStatus reads and decodes the status byte of one piece of gear.
func (c *Coordinator) GearStatus(ctx context.Context, uniqueID string) (GearStatus, error) {
	addr, _, err := c.resolve(uniqueID)
	if err != nil {
		return GearStatus{}, err
	}
	v, err := c.bus.Send(ctx, dali.Cmd(addr, dali.CmdQueryStatus))
	if err != nil {
		return GearStatus{}, err
	}
	return decodeStatus(*v), nil
}

// GearLevel reads the actual level of one piece of gear and refreshes the
// registry cache.
func (c *Coordinator) GearLevel(ctx context.Context, uniqueID string) (uint8, error) {
	addr, g, err := c.resolve(uniqueID)
	if err != nil {
		return 0, err
	}
	v, err := c.bus.Send(ctx, dali.Cmd(addr, dali.CmdQueryActualLevel))
	if err != nil {
		return 0, err
	}
	c.applyLevel(g.Short, *v)
	return *v, nil
}

// GearIdentify makes the device run its identification pattern (usually a
// blink) so an installer can find it.
func (c *Coordinator) GearIdentify(ctx context.Context, uniqueID string) error {
	addr, _, err := c.resolve(uniqueID)
	if err != nil {
		return err
	}
	_, err = c.bus.Send(ctx, dali.Cmd(addr, dali.CmdIdentifyDevice))
	return err
}

// RenameGear sets the friendly name in store and registry.
func (c *Coordinator) RenameGear(uniqueID, name string) error {
	err := c.store.UpdateGear(uniqueID, func(g *store.Gear) error {
		g.FriendlyName = name
		return nil
	})
	if err != nil {
		return err
	}
	if c.registry.SetName(uniqueID, name) {
		if g, ok := c.registry.ByUniqueID(uniqueID); ok {
			c.events.Emit(Event{Type: EventGearUpdate, Data: gearEventData(g)})
		}
	}
	return nil
}

// GroupOn recalls the last active level for every member of a group.
func (c *Coordinator) GroupOn(ctx context.Context, group uint8) error {
	addr, err := dali.GroupAddress(group)
	if err != nil {
		return err
	}
	if _, err := c.bus.Send(ctx, dali.Cmd(addr, dali.CmdGoToLastActiveLevel)); err != nil {
		return err
	}
	c.refreshGroup(ctx, addr)
	return nil
}

// GroupOff turns a whole group off.
func (c *Coordinator) GroupOff(ctx context.Context, group uint8) error {
	addr, err := dali.GroupAddress(group)
	if err != nil {
		return err
	}
	if _, err := c.bus.Send(ctx, dali.Cmd(addr, dali.CmdOff)); err != nil {
		return err
	}
	c.applyToMembers(addr, 0)
	return nil
}

// GroupSetLevel dims a whole group with one frame.
func (c *Coordinator) GroupSetLevel(ctx context.Context, group, level uint8) error {
	addr, err := dali.GroupAddress(group)
	if err != nil {
		return err
	}
	if _, err := c.bus.Send(ctx, dali.DirectArcPower(addr, level)); err != nil {
		return err
	}
	c.applyToMembers(addr, level)
	return nil
}

// BroadcastOff turns every device on the bus off.
func (c *Coordinator) BroadcastOff(ctx context.Context) error {
	if _, err := c.bus.Send(ctx, dali.Cmd(dali.Broadcast(), dali.CmdOff)); err != nil {
		return err
	}
	c.applyToMembers(dali.Broadcast(), 0)
	return nil
}

// BroadcastSetLevel dims every device on the bus with one frame.
func (c *Coordinator) BroadcastSetLevel(ctx context.Context, level uint8) error {
	if _, err := c.bus.Send(ctx, dali.DirectArcPower(dali.Broadcast(), level)); err != nil {
		return err
	}
	c.applyToMembers(dali.Broadcast(), level)
	return nil
}

// applyToMembers caches a level for every registered device an address
// covers.
func (c *Coordinator) applyToMembers(addr dali.Address, level uint8) {
	for _, g := range c.registry.List() {
		if addr.Matches(g.Short, g.Identity.Groups) {
			c.applyLevel(g.Short, level)
		}
	}
}

// refreshGroup re-reads levels of all members after a command whose result
// lives on the devices.
func (c *Coordinator) refreshGroup(ctx context.Context, addr dali.Address) {
	for _, g := range c.registry.List() {
		if !addr.Matches(g.Short, g.Identity.Groups) {
			continue
		}
		v, err := c.bus.Send(ctx, dali.Cmd(dali.MustShortAddress(g.Short), dali.CmdQueryActualLevel))
		if err != nil {
			c.logger.Warn("query level after group on", "short", g.Short, "err", err)
			continue
		}
		c.applyLevel(g.Short, *v)
	}
}
