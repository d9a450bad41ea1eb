package session

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrAlreadyRevoked is returned when a device session was revoked earlier.
var ErrAlreadyRevoked = errors.New("session: already revoked")

// DeviceClass is the coarse device family derived from a client agent string.
type DeviceClass string

const (
	DeviceWeb     DeviceClass = "web"
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceDesktop DeviceClass = "desktop"
)

const (
	maxDeviceNameLen  = 100
	unknownDeviceName = "Unknown Device"
)

// Device carries the client metadata captured at login.
type Device struct {
	Class     DeviceClass       `json:"class"`
	Name      string            `json:"name"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Info      map[string]string `json:"info,omitempty"`
}

// Record is one long-lived login. The raw secret is never part of it.
type Record struct {
	ID          int64
	Digest      string
	PrincipalID int64
	Username    string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Revoked     bool
	RevokedAt   *time.Time
	Device      Device
}

// Remaining returns the time left until the record's absolute expiry.
func (r Record) Remaining(now time.Time) time.Duration {
	return r.ExpiresAt.Sub(now)
}

// NewDevice builds device metadata from the request's client agent and
// address.
func NewDevice(userAgent, ip string) Device {
	name := unknownDeviceName
	if ua := strings.TrimSpace(userAgent); ua != "" {
		name = truncate(ua, maxDeviceNameLen)
	}
	return Device{
		Class:     ClassifyUserAgent(userAgent),
		Name:      name,
		IP:        ip,
		UserAgent: userAgent,
	}
}

// ClassifyUserAgent maps a client agent string onto a DeviceClass. Phones are
// checked before tablets and tablets before desktops, so an Android tablet
// reporting "Mobile" counts as mobile.
func ClassifyUserAgent(ua string) DeviceClass {
	ua = strings.ToLower(ua)
	switch {
	case containsAny(ua, "mobile", "android", "iphone"):
		return DeviceMobile
	case containsAny(ua, "tablet", "ipad"):
		return DeviceTablet
	case containsAny(ua, "windows", "mac", "linux"):
		return DeviceDesktop
	default:
		return DeviceWeb
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
