//go:build capture_drivers

package mediadevices

// Platform drivers need cgo and system libraries, so they are only linked
// into builds tagged capture_drivers.
import (
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)
