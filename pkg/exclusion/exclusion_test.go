package exclusion

import (
	"io"
	"strings"
	"testing"

	"github.com/opd-ai/go-vanguards/pkg/directory"
	"github.com/opd-ai/go-vanguards/pkg/logger"
)

const (
	fpA = "5416F3E8F80101A133B1970495B04FDBD1C7446B"
	fpB = "3E53D3979DB07EFD736661C934A1DED14127B684"
)

// mockController serves canned GETCONF/GETINFO replies.
type mockController struct {
	excludeNodes   string
	excludeUnknown string
	ipv4Available  string
	countries      map[string]string
	lookups        int
}

func (m *mockController) GetConf(keys ...string) (map[string][]string, error) {
	return map[string][]string{
		"ExcludeNodes":        {m.excludeNodes},
		"GeoIPExcludeUnknown": {m.excludeUnknown},
	}, nil
}

func (m *mockController) GetInfo(keys ...string) (map[string]string, error) {
	out := make(map[string]string)
	for _, key := range keys {
		if key == "ip-to-country/ipv4-available" {
			out[key] = m.ipv4Available
			continue
		}
		if addr, ok := strings.CutPrefix(key, "ip-to-country/"); ok {
			m.lookups++
			out[key] = m.countries[addr]
		}
	}
	return out, nil
}

func testLog() *logger.Logger {
	return logger.New(logger.LevelError, io.Discard)
}

func relay(fp, nickname, addr string) *directory.Relay {
	return &directory.Relay{Fingerprint: fp, Nickname: nickname, Address: addr}
}

func TestFingerprintForms(t *testing.T) {
	ctrl := &mockController{
		excludeNodes: fpA + ",$" + fpB + "~lol," +
			"5416F3E8F80101A133B1970495B04FDBD1C7446C=nick",
		excludeUnknown: "auto",
		ipv4Available:  "1",
	}
	x := New(ctrl, testLog())

	tests := []struct {
		name  string
		relay *directory.Relay
		want  bool
	}{
		{"bare fingerprint", relay(fpA, "a", "10.0.0.1"), true},
		{"dollar and nick suffix", relay(fpB, "b", "10.0.0.2"), true},
		{"equals nick suffix", relay("5416F3E8F80101A133B1970495B04FDBD1C7446C", "c", "10.0.0.3"), true},
		{"unlisted", relay("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "d", "10.0.0.4"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := x.IsExcluded(tt.relay); got != tt.want {
				t.Errorf("IsExcluded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNicknameAndAddress(t *testing.T) {
	ctrl := &mockController{
		excludeNodes:   "badnick,192.0.2.7,2001:db8::44",
		excludeUnknown: "auto",
	}
	x := New(ctrl, testLog())

	tests := []struct {
		name  string
		relay *directory.Relay
		want  bool
	}{
		{"nickname", relay(fpA, "badnick", "10.0.0.1"), true},
		{"ipv4 literal", relay(fpA, "ok", "192.0.2.7"), true},
		{"ipv6 literal", relay(fpA, "ok", "2001:db8::44"), true},
		{"no match", relay(fpA, "ok", "10.9.9.9"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := x.IsExcluded(tt.relay); got != tt.want {
				t.Errorf("IsExcluded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCIDRAndNetmask(t *testing.T) {
	ctrl := &mockController{
		excludeNodes:   "192.0.2.0/25,198.51.100.0/255.255.255.0",
		excludeUnknown: "auto",
	}
	x := New(ctrl, testLog())

	tests := []struct {
		name string
		addr string
		want bool
	}{
		{"inside cidr", "192.0.2.100", true},
		{"outside cidr", "192.0.2.200", false},
		{"inside netmask range", "198.51.100.77", true},
		{"outside netmask range", "198.51.101.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := x.IsExcluded(relay(fpA, "x", tt.addr)); got != tt.want {
				t.Errorf("IsExcluded(%s) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestCountryExclusion(t *testing.T) {
	ctrl := &mockController{
		excludeNodes:   "{RU},{kp}",
		excludeUnknown: "auto",
		ipv4Available:  "1",
		countries: map[string]string{
			"10.0.0.1": "ru",
			"10.0.0.2": "de",
			"10.0.0.3": "kp",
			"10.0.0.4": "??",
		},
	}
	x := New(ctrl, testLog())

	tests := []struct {
		addr string
		want bool
	}{
		{"10.0.0.1", true},
		{"10.0.0.2", false},
		{"10.0.0.3", true},
		{"10.0.0.4", false}, // unknown country admitted under auto
	}
	for _, tt := range tests {
		if got := x.IsExcluded(relay(fpA, "x", tt.addr)); got != tt.want {
			t.Errorf("IsExcluded(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}

	// Lookups are cached per address.
	before := ctrl.lookups
	x.IsExcluded(relay(fpA, "x", "10.0.0.1"))
	if ctrl.lookups != before {
		t.Error("country lookup was not cached")
	}
}

func TestCountryUnknownPolicy(t *testing.T) {
	tests := []struct {
		flag string
		want bool
	}{
		{"1", true},
		{"0", false},
		{"auto", false},
	}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			ctrl := &mockController{
				excludeNodes:   "{ru}",
				excludeUnknown: tt.flag,
				ipv4Available:  "1",
				countries:      map[string]string{"10.0.0.9": "??"},
			}
			x := New(ctrl, testLog())
			if got := x.IsExcluded(relay(fpA, "x", "10.0.0.9")); got != tt.want {
				t.Errorf("unknown country with flag %s = %v, want %v", tt.flag, got, tt.want)
			}
		})
	}
}

func TestCountryNoGeoIPData(t *testing.T) {
	// Without GeoIP data, the unknown-country policy decides everything.
	ctrl := &mockController{
		excludeNodes:   "{ru}",
		excludeUnknown: "1",
		ipv4Available:  "0",
	}
	x := New(ctrl, testLog())
	if !x.IsExcluded(relay(fpA, "x", "10.0.0.1")) {
		t.Error("unresolvable country admitted with exclude-unknown=1")
	}

	ctrl = &mockController{
		excludeNodes:   "{ru}",
		excludeUnknown: "auto",
		ipv4Available:  "0",
	}
	x = New(ctrl, testLog())
	if x.IsExcluded(relay(fpA, "x", "10.0.0.1")) {
		t.Error("unresolvable country excluded with exclude-unknown=auto")
	}
}

func TestEmptyExclusionList(t *testing.T) {
	x := New(&mockController{excludeUnknown: "auto"}, testLog())
	if x.IsExcluded(relay(fpA, "any", "10.0.0.1")) {
		t.Error("empty exclusion list excluded a relay")
	}
}
