//go:build linux

package notice

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	notifyDest = "org.freedesktop.Notifications"
	notifyPath = "/org/freedesktop/Notifications"
)

// notifyTimeout keeps the notification up for 15 seconds.
const notifyTimeout = int32(15000)

// Show posts a desktop notification over the session bus.
func Show(title, message string) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("session bus: %w", err)
	}
	obj := conn.Object(notifyDest, dbus.ObjectPath(notifyPath))
	call := obj.Call(notifyDest+".Notify", 0,
		title,            // app_name
		uint32(0),        // replaces_id
		"dialog-warning", // app_icon
		title,            // summary
		message,          // body
		[]string{},       // actions
		map[string]dbus.Variant{"urgency": dbus.MakeVariant(byte(2))},
		notifyTimeout,
	)
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	return nil
}
