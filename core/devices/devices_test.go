package devices

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeAddress(t *testing.T) {
	testCases := map[string]string{
		"9000":                     "9000",
		"sip:9000@pbx.local":       "9000",
		"<sip:9001@10.0.0.1:5060>": "9001",
		"SIP:9002@host;user=phone": "9002",
		"tel:+15551234567":         "+15551234567",
		" 9003 ":                   "9003",
	}

	for input, expected := range testCases {
		if got := NormalizeAddress(input); got != expected {
			t.Fatalf("NormalizeAddress(%q) = %q, expected %q", input, got, expected)
		}
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	registry, err := NewStaticRegistry(
		Profile{Name: "Morpheus", DialedAddress: "9000", VoiceID: "v1"},
		Profile{Name: "Trinity", DialedAddress: "9001", VoiceID: "v2", IsDefault: true},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p, matched := Resolve(registry, "sip:9000@pbx"); !matched || p.Name != "Morpheus" {
		t.Fatalf("expected Morpheus match, got %q (matched=%v)", p.Name, matched)
	}

	if p, matched := Resolve(registry, "sip:7777@pbx"); matched || p.Name != "Trinity" {
		t.Fatalf("expected default Trinity without match, got %q (matched=%v)", p.Name, matched)
	}

	if p, ok := registry.LookupName("trinity"); !ok || p.VoiceID != "v2" {
		t.Fatalf("expected case-insensitive name lookup, got %+v (ok=%v)", p, ok)
	}
}

func TestRegistryRejectsDuplicateAddresses(t *testing.T) {
	_, err := NewStaticRegistry(
		Profile{Name: "a", DialedAddress: "9000"},
		Profile{Name: "b", DialedAddress: "sip:9000@host"},
	)
	if err == nil {
		t.Fatalf("expected duplicate address error")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	content := `{"devices":[{"name":"Morpheus","extension":"9000","voiceId":"abc","prompt":"You are Morpheus."}]}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	registry, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := registry.Default()
	if p.Name != "Morpheus" || p.SystemPrompt != "You are Morpheus." || p.VoiceID != "abc" {
		t.Fatalf("unexpected default profile: %+v", p)
	}
}
