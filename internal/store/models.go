package store

import "time"

// Gear is the persisted metadata for one piece of control gear. The short
// address is a cache of the last known assignment; the unique ID is the
// stable key and survives re-addressing.
type Gear struct {
	UniqueID     string    `json:"unique_id"`
	ShortAddress uint8     `json:"short_address"`
	GTIN         uint64    `json:"gtin"`
	Serial       string    `json:"serial"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	DeviceType   uint8     `json:"device_type"`
	Groups       uint16    `json:"groups"`
	MinLevel     uint8     `json:"min_level"`
	MaxLevel     uint8     `json:"max_level"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// BusState holds persisted bus-level configuration and scan bookkeeping.
type BusState struct {
	AdapterPort   string    `json:"adapter_port"`
	AdapterSerial string    `json:"adapter_serial,omitempty"`
	LastScan      time.Time `json:"last_scan"`
}
