// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

// Package device supplies the host metadata stamped on every event and
// generates device identifiers.
package device

import (
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tomtom215/traintracks/internal/models"
)

// Info is a read-only snapshot of device metadata.
type Info struct {
	AppVersion   string           `json:"app_version,omitempty"`
	OSName       string           `json:"os_name,omitempty"`
	OSVersion    string           `json:"os_version,omitempty"`
	Manufacturer string           `json:"manufacturer,omitempty"`
	Model        string           `json:"model,omitempty"`
	Carrier      string           `json:"carrier,omitempty"`
	Country      string           `json:"country,omitempty"`
	Language     string           `json:"language,omitempty"`
	AdvertiserID string           `json:"advertiser_id,omitempty"`
	VendorID     string           `json:"vendor_id,omitempty"`
	Location     *models.Location `json:"location,omitempty"`
}

// Provider returns device metadata. Implementations must be safe for
// concurrent use and must not mutate a returned Info afterwards.
type Provider interface {
	Snapshot() Info
}

// Static is a Provider that always returns the same Info.
type Static Info

// Snapshot returns the fixed metadata.
func (s Static) Snapshot() Info { return Info(s) }

// Host derives metadata from the running process: the Go runtime, the
// build info of the main module and the locale environment.
type Host struct {
	once sync.Once
	info Info
}

// NewHost returns a Host provider. Metadata is gathered on first use.
func NewHost() *Host { return &Host{} }

// Snapshot returns the host metadata.
func (h *Host) Snapshot() Info {
	h.once.Do(func() { h.info = hostInfo() })
	return h.info
}

func hostInfo() Info {
	info := Info{
		OSName:       runtime.GOOS,
		OSVersion:    osVersion(),
		Manufacturer: runtime.Compiler,
		Model:        runtime.GOARCH,
		VendorID:     vendorID(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.AppVersion = bi.Main.Version
	}
	info.Language, info.Country = parseLocale(locale())
	return info
}

func locale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// parseLocale splits a POSIX locale such as "en_US.UTF-8" into language
// and country.
func parseLocale(loc string) (language, country string) {
	if loc == "" || loc == "C" || loc == "POSIX" {
		return "", ""
	}
	if i := strings.IndexAny(loc, ".@"); i >= 0 {
		loc = loc[:i]
	}
	language, country, _ = strings.Cut(loc, "_")
	return strings.ToLower(language), strings.ToUpper(country)
}

// osVersion reads VERSION_ID from os-release where available.
func osVersion() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "VERSION_ID="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

var vendorNamespace = uuid.MustParse("c7d1b3a0-2f7e-4b8e-9d15-6a4f0e3c9b21")

// vendorID derives a stable per-machine id without exposing the raw
// machine id.
func vendorID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return uuid.NewSHA1(vendorNamespace, []byte(id)).String()
		}
	}
	return ""
}

// NewDeviceID returns a fresh random device id.
func NewDeviceID() string {
	return uuid.NewString()
}

// placeholderIDs are identifiers that platforms hand out when the real one
// is unavailable. They are shared by many devices and cannot identify one.
var placeholderIDs = map[string]struct{}{
	"":                                     {},
	"0":                                    {},
	"null":                                 {},
	"nil":                                  {},
	"none":                                 {},
	"unknown":                              {},
	"000000000000000":                      {},
	"00000000-0000-0000-0000-000000000000": {},
	"9774d56d682e549c":                     {},
	"dead00beef":                           {},
	"defacedefacedefacedefacedefacedeface": {},
}

// IsValidID reports whether id can identify a device.
func IsValidID(id string) bool {
	norm := strings.ToLower(strings.TrimSpace(id))
	if _, bad := placeholderIDs[norm]; bad {
		return false
	}
	if u, err := uuid.Parse(norm); err == nil && u == uuid.Nil {
		return false
	}
	return true
}
