package domain

import "errors"

var (
	ErrPermissionDenied        = errors.New("permission denied")
	ErrNoViableConstraints     = errors.New("no viable constraint set")
	ErrDeviceAcquisitionFailed = errors.New("device acquisition failed")
	ErrStatsUnavailable        = errors.New("stats unavailable")
	ErrCapabilitiesUnavailable = errors.New("capabilities not available")
	ErrSessionTerminal         = errors.New("session already terminal")

	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionNotActive   = errors.New("session not active")
	ErrSessionExists      = errors.New("session already exists")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrNoDevices          = errors.New("no usable capture devices")
	ErrUnknownTier        = errors.New("unknown quality tier")
	ErrAlreadyLowestTier  = errors.New("already at lowest quality tier")
	ErrAlreadyHighestTier = errors.New("already at highest quality tier")
	ErrStreamNotFound     = errors.New("stream not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotPublishing      = errors.New("session is not publishing")
)
