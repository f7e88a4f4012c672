package dbusapi

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/fenio/vmediad/pkg/config"
	"github.com/fenio/vmediad/pkg/slot"
)

func connectOrSkip(t *testing.T) *dbus.Conn {
	t.Helper()
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		t.Skipf("no session bus available: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestExportRegistersObjectAndProperties(t *testing.T) {
	conn := connectOrSkip(t)

	cfg := config.SlotConfig{
		Name:      "Slot_0",
		Mode:      config.ModeProxy,
		NBDDevice: "nbd0",
		Socket:    "/run/vmediad/slot0.sock",
		Timeout:   30 * time.Second,
	}
	m := slot.New(cfg, slot.Deps{})

	obj, err := Export(conn, cfg.Name, m)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	obj.EmitCompletion(0)
}
