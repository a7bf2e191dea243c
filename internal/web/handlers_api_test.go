package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dali-go-home/internal/coordinator"
	"dali-go-home/internal/dali"
	"dali-go-home/internal/store"
)

// stubBus implements dali.Bus over a map of simulated gear levels.
type stubBus struct {
	mu       sync.Mutex
	levels   map[uint8]uint8
	statuses map[uint8]uint8
	sent     []dali.Command

	scanning    bool
	commissions atomic.Int32
}

func newStubBus() *stubBus {
	return &stubBus{
		levels:   make(map[uint8]uint8),
		statuses: make(map[uint8]uint8),
	}
}

func (b *stubBus) Send(_ context.Context, cmd dali.Command) (*uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, cmd)

	mid := uint8(cmd.Frame() >> 8)
	low := uint8(cmd.Frame())
	addr, err := dali.ParseAddress(mid)
	if err != nil {
		return nil, err
	}
	if mid&0x01 == 0 { // DAPC
		for short := range b.levels {
			if addr.Matches(short, 0) {
				b.levels[short] = low
			}
		}
		return nil, nil
	}
	for short := range b.levels {
		if !addr.Matches(short, 0) {
			continue
		}
		switch dali.CommandCode(low) {
		case dali.CmdOff:
			b.levels[short] = 0
		case dali.CmdGoToLastActiveLevel:
			b.levels[short] = 200
		case dali.CmdQueryActualLevel:
			v := b.levels[short]
			return &v, nil
		case dali.CmdQueryStatus:
			v := b.statuses[short]
			return &v, nil
		}
	}
	if cmd.Reply() == dali.ReplyRequired {
		return nil, dali.ErrNoResponse
	}
	return nil, nil
}

func (b *stubBus) Commission(context.Context, dali.CommissionOptions) ([]uint8, error) {
	b.commissions.Add(1)
	return nil, nil
}

func (b *stubBus) ReadIdentity(context.Context, dali.Address) (*dali.DeviceIdentity, error) {
	return nil, dali.ErrDeviceNotAddressed
}

func (b *stubBus) Listen(buffer int) (<-chan dali.Message, func()) {
	return make(chan dali.Message, buffer), func() {}
}

func (b *stubBus) Scanning() bool { return b.scanning }
func (b *stubBus) Close() error   { return nil }

func (b *stubBus) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func setupTestServer(t *testing.T, apiKey string) (*Server, *coordinator.Coordinator, *stubBus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	bus := newStubBus()
	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(bus, db, coordinator.NewRegistry(), events,
		coordinator.Config{}, coordinator.AdapterConfig{Port: "/dev/ttyACM0"}, logger)
	t.Cleanup(coord.Stop)

	var opts []ServerOption
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv := NewServer(coord, logger, opts...)
	t.Cleanup(srv.Stop)

	return srv, coord, bus
}

func seedGear(t *testing.T, coord *coordinator.Coordinator, bus *stubBus, uniqueID string, short uint8) {
	t.Helper()
	if err := coord.Store().SaveGear(&store.Gear{
		UniqueID:     uniqueID,
		ShortAddress: short,
	}); err != nil {
		t.Fatal(err)
	}
	coord.Registry().Upsert(&coordinator.GearInfo{
		UniqueID: uniqueID,
		Short:    short,
		Identity: dali.DeviceIdentity{MinLevel: 1, MaxLevel: 254},
	})
	bus.levels[short] = 0
}

func doJSON(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var rd *bytes.Buffer
	if body != "" {
		rd = bytes.NewBufferString(body)
	} else {
		rd = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAPIListGear(t *testing.T) {
	srv, coord, bus := setupTestServer(t, "")
	seedGear(t, coord, bus, "gtin-1", 0)
	seedGear(t, coord, bus, "gtin-2", 1)

	w := doJSON(srv, "GET", "/api/gear", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var gear []coordinator.GearInfo
	if err := json.NewDecoder(w.Body).Decode(&gear); err != nil {
		t.Fatal(err)
	}
	if len(gear) != 2 {
		t.Errorf("gear count = %d, want 2", len(gear))
	}
}

func TestAPIGetGear(t *testing.T) {
	srv, coord, bus := setupTestServer(t, "")
	seedGear(t, coord, bus, "gtin-1", 3)

	w := doJSON(srv, "GET", "/api/gear/gtin-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var g coordinator.GearInfo
	if err := json.NewDecoder(w.Body).Decode(&g); err != nil {
		t.Fatal(err)
	}
	if g.Short != 3 {
		t.Errorf("short = %d, want 3", g.Short)
	}
}

func TestAPIGetGearNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := doJSON(srv, "GET", "/api/gear/no-such-gear", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIRenameGear(t *testing.T) {
	srv, coord, bus := setupTestServer(t, "")
	seedGear(t, coord, bus, "gtin-1", 0)

	w := doJSON(srv, "PATCH", "/api/gear/gtin-1", `{"friendly_name": "Kitchen"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	g, err := coord.Store().GetGear("gtin-1")
	if err != nil {
		t.Fatal(err)
	}
	if g.FriendlyName != "Kitchen" {
		t.Errorf("stored friendly_name = %q, want Kitchen", g.FriendlyName)
	}
	if reg, _ := coord.Registry().ByUniqueID("gtin-1"); reg.FriendlyName != "Kitchen" {
		t.Errorf("registry friendly_name = %q, want Kitchen", reg.FriendlyName)
	}
}

func TestAPIGearOnOff(t *testing.T) {
	srv, coord, bus := setupTestServer(t, "")
	seedGear(t, coord, bus, "gtin-1", 0)

	if w := doJSON(srv, "POST", "/api/gear/gtin-1/on", ""); w.Code != http.StatusOK {
		t.Fatalf("on: status = %d, body = %s", w.Code, w.Body.String())
	}
	if bus.levels[0] != 200 {
		t.Errorf("level after on = %d, want 200", bus.levels[0])
	}
	if g, _ := coord.Registry().ByShort(0); !g.LampOn {
		t.Error("registry lamp_on not set after on")
	}

	if w := doJSON(srv, "POST", "/api/gear/gtin-1/off", ""); w.Code != http.StatusOK {
		t.Fatalf("off: status = %d, body = %s", w.Code, w.Body.String())
	}
	if bus.levels[0] != 0 {
		t.Errorf("level after off = %d, want 0", bus.levels[0])
	}
}

func TestAPIGearSetLevel(t *testing.T) {
	srv, coord, bus := setupTestServer(t, "")
	seedGear(t, coord, bus, "gtin-1", 0)

	w := doJSON(srv, "POST", "/api/gear/gtin-1/level", `{"level": 120}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if bus.levels[0] != 120 {
		t.Errorf("level = %d, want 120", bus.levels[0])
	}

	w = doJSON(srv, "POST", "/api/gear/gtin-1/level", `{"level": 255}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("level 255: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIGearQueryLevel(t *testing.T) {
	srv, coord, bus := setupTestServer(t, "")
	seedGear(t, coord, bus, "gtin-1", 0)
	bus.levels[0] = 77

	w := doJSON(srv, "GET", "/api/gear/gtin-1/level", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]uint8
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["level"] != 77 {
		t.Errorf("level = %d, want 77", resp["level"])
	}
}

func TestAPIGearStatus(t *testing.T) {
	srv, coord, bus := setupTestServer(t, "")
	seedGear(t, coord, bus, "gtin-1", 0)
	bus.statuses[0] = 0x04 // lamp on

	w := doJSON(srv, "GET", "/api/gear/gtin-1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var status coordinator.GearStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if !status.LampOn {
		t.Error("lamp_on = false, want true")
	}
}

func TestAPIUnknownGearIs404(t *testing.T) {
	srv, _, bus := setupTestServer(t, "")

	for _, path := range []string{
		"/api/gear/nope/on",
		"/api/gear/nope/off",
		"/api/gear/nope/identify",
	} {
		if w := doJSON(srv, "POST", path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want %d", path, w.Code, http.StatusNotFound)
		}
	}
	// Unknown gear must never reach the bus.
	if n := bus.sentCount(); n != 0 {
		t.Errorf("bus writes for unknown gear = %d, want 0", n)
	}
}

func TestAPIGroupValidation(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	if w := doJSON(srv, "POST", "/api/groups/16/off", ""); w.Code != http.StatusBadRequest {
		t.Errorf("group 16: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w := doJSON(srv, "POST", "/api/groups/abc/off", ""); w.Code != http.StatusBadRequest {
		t.Errorf("group abc: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIGroupOff(t *testing.T) {
	srv, coord, bus := setupTestServer(t, "")
	seedGear(t, coord, bus, "gtin-1", 0)
	bus.levels[0] = 100
	coord.Registry().SetLevel(0, 100)

	w := doJSON(srv, "POST", "/api/groups/0/off", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	// Short 0 is not in group 0, so the frame must not touch it.
	if bus.levels[0] != 100 {
		t.Errorf("level = %d, want 100 (not a group member)", bus.levels[0])
	}
}

func TestAPIBroadcastOff(t *testing.T) {
	srv, coord, bus := setupTestServer(t, "")
	seedGear(t, coord, bus, "gtin-1", 0)
	seedGear(t, coord, bus, "gtin-2", 5)
	bus.levels[0], bus.levels[5] = 100, 100

	w := doJSON(srv, "POST", "/api/broadcast/off", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if bus.levels[0] != 0 || bus.levels[5] != 0 {
		t.Errorf("levels = %d, %d, want 0, 0", bus.levels[0], bus.levels[5])
	}
}

func TestAPIScan(t *testing.T) {
	srv, _, bus := setupTestServer(t, "")

	w := doJSON(srv, "POST", "/api/scan", `{"full": true}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for bus.commissions.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scan never reached the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAPIScanConflict(t *testing.T) {
	srv, _, bus := setupTestServer(t, "")
	bus.scanning = true

	w := doJSON(srv, "POST", "/api/scan", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestAPIBusInfo(t *testing.T) {
	srv, coord, bus := setupTestServer(t, "")
	seedGear(t, coord, bus, "gtin-1", 0)

	w := doJSON(srv, "GET", "/api/bus", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var info map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info["port"] != "/dev/ttyACM0" {
		t.Errorf("port = %v", info["port"])
	}
	if info["gear_count"] != float64(1) {
		t.Errorf("gear_count = %v, want 1", info["gear_count"])
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	// Missing key.
	w := doJSON(srv, "GET", "/api/gear", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	// Wrong key.
	req := httptest.NewRequest("GET", "/api/gear", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	// Correct key.
	req = httptest.NewRequest("GET", "/api/gear", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("correct key: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestCORSForbiddenOrigin(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(newStubBus(), db, coordinator.NewRegistry(), events,
		coordinator.Config{}, coordinator.AdapterConfig{}, logger)
	srv := NewServer(coord, logger, WithAllowedOrigins([]string{"http://allowed.example"}))
	t.Cleanup(srv.Stop)

	req := httptest.NewRequest("POST", "/api/broadcast/off", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest("POST", "/api/broadcast/off", nil)
	req.Header.Set("Origin", "http://allowed.example")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("allowed origin: status = %d, want %d", w.Code, http.StatusOK)
	}
}
