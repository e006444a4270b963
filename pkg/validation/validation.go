package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// IDRegex validates opaque identifiers such as session and stream IDs.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// DeviceIDRegex is looser: platform device IDs may contain ':' '.' and '/'.
	DeviceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:/@-]+$`)
)

// ValidateSessionID validates a session identifier.
func ValidateSessionID(id string) error {
	return validateID(id, "session ID")
}

// ValidateStreamID validates stream ID
func ValidateStreamID(id string) error {
	return validateID(id, "stream ID")
}

func validateID(id, field string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", field)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", field)
	}
	return nil
}

// ValidateDeviceID validates a capture device identifier.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("device ID is required")
	}
	if len(id) > 256 {
		return fmt.Errorf("device ID is too long (max 256 characters)")
	}
	if !DeviceIDRegex.MatchString(id) {
		return fmt.Errorf("invalid device ID format")
	}
	return nil
}

// ValidateTitle validates a stream title
func ValidateTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title is required")
	}
	if !utf8.ValidString(title) {
		return fmt.Errorf("title contains invalid characters")
	}
	return ValidateStringLength(title, 1, 100, "title")
}

// ValidateDescription validates an optional stream description.
func ValidateDescription(desc string) error {
	if desc == "" {
		return nil
	}
	if !utf8.ValidString(desc) {
		return fmt.Errorf("description contains invalid characters")
	}
	return ValidateStringLength(desc, 0, 1000, "description")
}

// ValidateTier validates quality tier name
func ValidateTier(tier string) error {
	switch tier {
	case "low", "medium", "high", "ultra":
		return nil
	default:
		return fmt.Errorf("invalid quality tier %q (must be low, medium, high, or ultra)", tier)
	}
}

// ValidateDeviceKind validates a device kind filter.
func ValidateDeviceKind(kind string) error {
	switch kind {
	case "audioinput", "videoinput":
		return nil
	default:
		return fmt.Errorf("invalid device kind %q (must be audioinput or videoinput)", kind)
	}
}

// ValidateDimension validates a requested frame width or height.
func ValidateDimension(v int, field string) error {
	if v < 1 {
		return fmt.Errorf("%s must be positive", field)
	}
	if v > 7680 {
		return fmt.Errorf("%s is too large (max 7680)", field)
	}
	return nil
}

// ValidateFrameRate validates a requested frame rate.
func ValidateFrameRate(fps float64) error {
	if fps <= 0 {
		return fmt.Errorf("frame rate must be positive")
	}
	if fps > 240 {
		return fmt.Errorf("frame rate is too high (max 240)")
	}
	return nil
}

// ValidateMonitoringInterval validates a health sampling interval.
func ValidateMonitoringInterval(d time.Duration) error {
	if d < 100*time.Millisecond {
		return fmt.Errorf("monitoring interval must be at least 100ms")
	}
	if d > time.Minute {
		return fmt.Errorf("monitoring interval is too long (max 1m)")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss", "rtmp", "rtmps":
	default:
		return fmt.Errorf("invalid URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
