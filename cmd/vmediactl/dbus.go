package main

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/fenio/vmediad/pkg/dbusapi"
)

// slotProperties mirrors slot.Snapshot's D-Bus-visible shape, read back
// over the wire rather than imported directly from pkg/slot.
type slotProperties struct {
	Active         bool
	ExitCode       int32
	Device         string
	EndpointID     string
	Socket         string
	ImageURL       string
	WriteProtected bool
	TimeoutMillis  uint64
}

func connectBus(system bool) (*dbus.Conn, error) {
	if system {
		return dbus.ConnectSystemBus()
	}
	return dbus.ConnectSessionBus()
}

func slotObject(conn *dbus.Conn, slotName string) dbus.BusObject {
	path := dbus.ObjectPath(dbusapi.PathPrefix + slotName)
	return conn.Object("xyz.openbmc_project.VirtualMedia."+slotName, path)
}

func getSlotProperties(ctx context.Context, conn *dbus.Conn, slotName string) (slotProperties, error) {
	obj := slotObject(conn, slotName)
	var props map[string]dbus.Variant
	if err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.GetAll", 0, dbusapi.Interface).Store(&props); err != nil {
		return slotProperties{}, fmt.Errorf("vmediactl: read properties for %s: %w", slotName, err)
	}

	var p slotProperties
	_ = props["Active"].Store(&p.Active)
	_ = props["ExitCode"].Store(&p.ExitCode)
	_ = props["Device"].Store(&p.Device)
	_ = props["EndpointId"].Store(&p.EndpointID)
	_ = props["Socket"].Store(&p.Socket)
	_ = props["ImageURL"].Store(&p.ImageURL)
	_ = props["WriteProtected"].Store(&p.WriteProtected)
	_ = props["Timeout"].Store(&p.TimeoutMillis)
	return p, nil
}

func callMount(ctx context.Context, conn *dbus.Conn, slotName, imageURL string, rw bool, credsFD int) (bool, error) {
	obj := slotObject(conn, slotName)
	var accepted bool
	call := obj.CallWithContext(ctx, dbusapi.Interface+".Mount", 0, imageURL, rw, dbus.UnixFD(credsFD))
	if call.Err != nil {
		return false, fmt.Errorf("vmediactl: Mount(%s): %w", slotName, call.Err)
	}
	if err := call.Store(&accepted); err != nil {
		return false, fmt.Errorf("vmediactl: decode Mount(%s) reply: %w", slotName, err)
	}
	return accepted, nil
}

func callUnmount(ctx context.Context, conn *dbus.Conn, slotName string) (bool, error) {
	obj := slotObject(conn, slotName)
	var accepted bool
	call := obj.CallWithContext(ctx, dbusapi.Interface+".Unmount", 0)
	if call.Err != nil {
		return false, fmt.Errorf("vmediactl: Unmount(%s): %w", slotName, call.Err)
	}
	if err := call.Store(&accepted); err != nil {
		return false, fmt.Errorf("vmediactl: decode Unmount(%s) reply: %w", slotName, err)
	}
	return accepted, nil
}
