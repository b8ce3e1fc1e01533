// Package devices resolves which persona answers a call.
//
// Profiles are owned by an external store; this package only offers the
// read-only lookups the call engine needs.
package devices

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrNoDefault = errors.New("no default device profile")

// Profile is the persona bound to a dialed address. Profiles are immutable
// and shared read-only across calls.
type Profile struct {
	Name          string `json:"name"`
	DialedAddress string `json:"extension"`
	VoiceID       string `json:"voiceId"`
	SystemPrompt  string `json:"prompt"`
	Greeting      string `json:"greeting,omitempty"`
	IsDefault     bool   `json:"isDefault,omitempty"`
}

type Registry interface {
	LookupAddress(address string) (Profile, bool)
	LookupName(name string) (Profile, bool)
	Default() Profile
}

type StaticRegistry struct {
	byAddress map[string]Profile
	byName    map[string]Profile
	fallback  Profile
}

// NewStaticRegistry indexes profiles by normalized address and by lower-cased
// name. The first profile flagged as default wins; without one, the first
// profile is used as the fallback.
func NewStaticRegistry(profiles ...Profile) (*StaticRegistry, error) {
	if len(profiles) == 0 {
		return nil, ErrNoDefault
	}

	r := &StaticRegistry{
		byAddress: make(map[string]Profile, len(profiles)),
		byName:    make(map[string]Profile, len(profiles)),
		fallback:  profiles[0],
	}

	foundDefault := false
	for _, p := range profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("device profile without a name")
		}
		if address := NormalizeAddress(p.DialedAddress); address != "" {
			if existing, ok := r.byAddress[address]; ok {
				return nil, fmt.Errorf("address %q claimed by both %q and %q", address, existing.Name, p.Name)
			}
			r.byAddress[address] = p
		}
		r.byName[strings.ToLower(p.Name)] = p
		if p.IsDefault && !foundDefault {
			r.fallback = p
			foundDefault = true
		}
	}

	return r, nil
}

func (r *StaticRegistry) LookupAddress(address string) (Profile, bool) {
	p, ok := r.byAddress[NormalizeAddress(address)]
	return p, ok
}

func (r *StaticRegistry) LookupName(name string) (Profile, bool) {
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

func (r *StaticRegistry) Default() Profile { return r.fallback }

func (r *StaticRegistry) Profiles() []Profile {
	profiles := make([]Profile, 0, len(r.byName))
	for _, p := range r.byName {
		profiles = append(profiles, p)
	}
	return profiles
}

// Resolve returns the profile bound to address, falling back to the default
// profile when nothing matches.
func Resolve(r Registry, address string) (Profile, bool) {
	if p, ok := r.LookupAddress(address); ok {
		return p, true
	}
	return r.Default(), false
}

// NormalizeAddress reduces "sip:9000@pbx.local:5060" or "<sip:9000@host>" to
// the user part "9000".
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	address = strings.TrimPrefix(address, "<")
	address = strings.TrimSuffix(address, ">")
	for _, scheme := range []string{"sips:", "sip:", "tel:"} {
		if len(address) >= len(scheme) && strings.EqualFold(address[:len(scheme)], scheme) {
			address = address[len(scheme):]
			break
		}
	}
	if at := strings.IndexByte(address, '@'); at >= 0 {
		address = address[:at]
	}
	if semi := strings.IndexByte(address, ';'); semi >= 0 {
		address = address[:semi]
	}
	return address
}

type fileFormat struct {
	Devices []Profile `json:"devices"`
}

// LoadFile reads a JSON document of the form {"devices": [...]}.
func LoadFile(path string) (*StaticRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}

	var doc fileFormat
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}

	return NewStaticRegistry(doc.Devices...)
}
