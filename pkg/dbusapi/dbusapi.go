// Package dbusapi exports each configured slot as a D-Bus object
// implementing xyz.openbmc_project.VirtualMedia.Legacy, the request
// surface a BMC host server drives Mount/Unmount through.
package dbusapi

import (
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"k8s.io/klog/v2"

	"github.com/fenio/vmediad/pkg/slot"
)

// Interface is the D-Bus interface every slot object implements.
const Interface = "xyz.openbmc_project.VirtualMedia.Legacy"

// PathPrefix roots every slot's object path.
const PathPrefix = "/xyz/openbmc_project/VirtualMedia/"

// Object is one slot's exported D-Bus surface: the Mount/Unmount methods,
// the Completion signal, and the read-only property block.
type Object struct {
	conn  *dbus.Conn
	path  dbus.ObjectPath
	m     *slot.Machine
	props *prop.Properties
}

// Export registers name's machine at PathPrefix+name on conn and returns
// the handle used to emit Completion and keep properties live. conn must
// have been opened with dbus.WithAuth/dbus.Connect... and authenticated
// before Export is called.
func Export(conn *dbus.Conn, name string, m *slot.Machine) (*Object, error) {
	path := dbus.ObjectPath(PathPrefix + name)

	o := &Object{conn: conn, path: path, m: m}

	if err := conn.Export(legacyMethods{o}, path, Interface); err != nil {
		return nil, fmt.Errorf("dbusapi: export methods for %s: %w", name, err)
	}

	props, err := prop.Export(conn, path, o.propMap())
	if err != nil {
		return nil, fmt.Errorf("dbusapi: export properties for %s: %w", name, err)
	}
	o.props = props

	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: Interface,
				Methods: []introspect.Method{
					{Name: "Mount", Args: []introspect.Arg{
						{Name: "image_url", Type: "s", Direction: "in"},
						{Name: "rw", Type: "b", Direction: "in"},
						{Name: "creds_fd", Type: "h", Direction: "in"},
						{Name: "accepted", Type: "b", Direction: "out"},
					}},
					{Name: "Unmount", Args: []introspect.Arg{
						{Name: "accepted", Type: "b", Direction: "out"},
					}},
				},
				Signals: []introspect.Signal{
					{Name: "Completion", Args: []introspect.Arg{
						{Name: "status", Type: "i", Direction: "out"},
					}},
				},
				Properties: props.Introspection(Interface),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, fmt.Errorf("dbusapi: export introspection for %s: %w", name, err)
	}

	if err := conn.RequestName("xyz.openbmc_project.VirtualMedia."+name, dbus.NameFlagDoNotQueue); err != nil {
		klog.Warningf("dbusapi: request bus name for %s: %v", name, err)
	}

	return o, nil
}

// EmitCompletion emits the Completion signal and refreshes the property
// block, since every completion marks a settled state (Active reached,
// or back to Ready). Suitable as a slot.Deps.EmitCompletion value.
func (o *Object) EmitCompletion(code int32) {
	o.refresh()
	if err := o.conn.Emit(o.path, Interface+".Completion", code); err != nil {
		klog.Warningf("dbusapi: emit Completion on %s: %v", o.path, err)
	}
}

func (o *Object) refresh() {
	snap := o.m.Snapshot()
	o.props.SetMust(Interface, "Active", snap.Active)
	o.props.SetMust(Interface, "ExitCode", snap.ExitCode)
	o.props.SetMust(Interface, "Device", snap.Device)
	o.props.SetMust(Interface, "EndpointId", snap.EndpointID)
	o.props.SetMust(Interface, "Socket", snap.Socket)
	o.props.SetMust(Interface, "ImageURL", snap.ImageURL)
	o.props.SetMust(Interface, "WriteProtected", snap.WriteProtected)
	o.props.SetMust(Interface, "Timeout", uint64(snap.Timeout/time.Millisecond))
}

func (o *Object) propMap() prop.Map {
	snap := o.m.Snapshot()
	ro := func(v interface{}) *prop.Prop {
		return &prop.Prop{Value: v, Writable: false, Emit: prop.EmitTrue}
	}
	return prop.Map{
		Interface: {
			"Active":         ro(snap.Active),
			"ExitCode":       ro(snap.ExitCode),
			"Device":         ro(snap.Device),
			"EndpointId":     ro(snap.EndpointID),
			"Socket":         ro(snap.Socket),
			"ImageURL":       ro(snap.ImageURL),
			"WriteProtected": ro(snap.WriteProtected),
			"Timeout":        ro(uint64(snap.Timeout / time.Millisecond)),
		},
	}
}

// legacyMethods is exported separately from Object so only Mount/Unmount
// are reachable as D-Bus methods, not Export/EmitCompletion.
type legacyMethods struct{ o *Object }

// Mount dispatches a Mount call. Proxy-mode slots ignore image_url, rw,
// and creds_fd; Standard-mode slots use all three, per spec.
func (l legacyMethods) Mount(imageURL string, rw bool, credsFD dbus.UnixFD) (bool, *dbus.Error) {
	req := slot.MountRequest{ImageURL: imageURL, RW: rw}
	if credsFD >= 0 {
		req = req.WithCredsFD(int(credsFD))
	}
	if err := l.o.m.Mount(req); err != nil {
		return false, dbus.MakeFailedError(err)
	}
	return true, nil
}

// Unmount dispatches an Unmount call.
func (l legacyMethods) Unmount() (bool, *dbus.Error) {
	if err := l.o.m.Unmount(); err != nil {
		return false, dbus.MakeFailedError(err)
	}
	return true, nil
}
