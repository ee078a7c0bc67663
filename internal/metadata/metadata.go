package metadata

import (
	"strings"

	"github.com/mssola/useragent"
)

const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
)

// Environment exposes the facts the host page knows about the visitor.
type Environment interface {
	UserAgent() string
	Screen() (width, height int)
	Viewport() (width, height int)
	Timezone() string
	Locale() string
	Referrer() string
	LandingURL() string
}

type VisitorMetadata struct {
	Browser        string  `json:"browser"`
	OS             string  `json:"os"`
	DeviceType     string  `json:"device_type"`
	ScreenWidth    int     `json:"screen_width"`
	ScreenHeight   int     `json:"screen_height"`
	ViewportWidth  int     `json:"viewport_width"`
	ViewportHeight int     `json:"viewport_height"`
	Timezone       string  `json:"timezone"`
	Locale         string  `json:"locale"`
	Referrer       *string `json:"referrer"`
	LandingURL     string  `json:"landing_url"`
	UserAgent      string  `json:"user_agent"`
}

// Fields returns the metadata as event payload fields.
func (m *VisitorMetadata) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"browser":         m.Browser,
		"os":              m.OS,
		"device_type":     m.DeviceType,
		"screen_width":    m.ScreenWidth,
		"screen_height":   m.ScreenHeight,
		"viewport_width":  m.ViewportWidth,
		"viewport_height": m.ViewportHeight,
		"timezone":        m.Timezone,
		"locale":          m.Locale,
		"landing_url":     m.LandingURL,
		"user_agent":      m.UserAgent,
	}
	if m.Referrer != nil {
		fields["referrer"] = *m.Referrer
	} else {
		fields["referrer"] = nil
	}
	return fields
}

// Collect reads the environment and fills every field, falling back to safe
// defaults where the environment has nothing to say.
func Collect(env Environment) VisitorMetadata {
	md := VisitorMetadata{
		Browser:    "unknown",
		OS:         "unknown",
		DeviceType: DeviceDesktop,
		Timezone:   "UTC",
		Locale:     "en-US",
	}
	if env == nil {
		return md
	}

	md.UserAgent = env.UserAgent()
	if md.UserAgent != "" {
		ua := useragent.New(md.UserAgent)
		if name, _ := ua.Browser(); name != "" {
			md.Browser = name
		}
		if os := ua.OSInfo().Name; os != "" {
			md.OS = os
		} else if os := ua.OS(); os != "" {
			md.OS = os
		}
		md.DeviceType = deviceType(ua, md.UserAgent)
	}

	md.ScreenWidth, md.ScreenHeight = nonNegative(env.Screen())
	md.ViewportWidth, md.ViewportHeight = nonNegative(env.Viewport())

	if tz := env.Timezone(); tz != "" {
		md.Timezone = tz
	}
	if locale := env.Locale(); locale != "" {
		md.Locale = locale
	}
	if ref := env.Referrer(); ref != "" {
		md.Referrer = &ref
	}
	md.LandingURL = env.LandingURL()

	return md
}

func deviceType(ua *useragent.UserAgent, raw string) string {
	if ua.Bot() {
		return DeviceBot
	}
	if strings.Contains(raw, "iPad") || strings.Contains(raw, "Tablet") {
		return DeviceTablet
	}
	if ua.Mobile() {
		return DeviceMobile
	}
	return DeviceDesktop
}

func nonNegative(a, b int) (int, int) {
	if a < 0 {
		a = 0
	}
	if b < 0 {
		b = 0
	}
	return a, b
}

// Static is an Environment built from facts reported by the page.
type Static struct {
	UA             string `json:"user_agent"`
	ScreenWidth    int    `json:"screen_width"`
	ScreenHeight   int    `json:"screen_height"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	TZ             string `json:"timezone"`
	Language       string `json:"locale"`
	Referer        string `json:"referrer"`
	URL            string `json:"landing_url"`
}

func (s Static) UserAgent() string { return s.UA }
func (s Static) Screen() (int, int) { return s.ScreenWidth, s.ScreenHeight }
func (s Static) Viewport() (int, int) { return s.ViewportWidth, s.ViewportHeight }
func (s Static) Timezone() string { return s.TZ }
func (s Static) Locale() string { return s.Language }
func (s Static) Referrer() string { return s.Referer }
func (s Static) LandingURL() string { return s.URL }
