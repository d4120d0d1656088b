// Package exclusion translates tor's ExcludeNodes configuration into a
// predicate over relay records. Entries may be fingerprints, nicknames,
// address literals, CIDR or netmask ranges, or {cc} country codes; country
// membership is resolved through tor's GeoIP database over the control
// channel.
package exclusion

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/opd-ai/go-vanguards/pkg/directory"
	"github.com/opd-ai/go-vanguards/pkg/logger"
)

// Controller is the slice of the control connection the resolver needs.
type Controller interface {
	GetConf(keys ...string) (map[string][]string, error)
	GetInfo(keys ...string) (map[string]string, error)
}

// ExcludeNodes is a compiled exclusion predicate.
type ExcludeNodes struct {
	ctrl   Controller
	logger *logger.Logger

	fingerprints map[string]bool
	nicknames    map[string]bool
	addrs        map[netip.Addr]bool
	prefixes     []netip.Prefix
	countries    map[string]bool

	// excludeUnknown is tor's GeoIPExcludeUnknown: "0", "1" or "auto".
	excludeUnknown string

	// canResolveCountries is false when tor reports no IPv4 GeoIP data.
	canResolveCountries bool
	countryCache        map[string]string
}

// New reads ExcludeNodes and GeoIPExcludeUnknown from the overlay and
// compiles them. An unreadable configuration yields an empty predicate.
func New(ctrl Controller, log *logger.Logger) *ExcludeNodes {
	if log == nil {
		log = logger.NewDefault()
	}
	x := &ExcludeNodes{
		ctrl:                ctrl,
		logger:              log.Component("exclusion"),
		fingerprints:        make(map[string]bool),
		nicknames:           make(map[string]bool),
		addrs:               make(map[netip.Addr]bool),
		countries:           make(map[string]bool),
		excludeUnknown:      "auto",
		canResolveCountries: true,
		countryCache:        make(map[string]string),
	}

	conf, err := ctrl.GetConf("ExcludeNodes", "GeoIPExcludeUnknown")
	if err != nil {
		x.logger.Warn("Can't read ExcludeNodes from tor", "error", err)
		return x
	}
	var raw string
	if vals := conf["ExcludeNodes"]; len(vals) > 0 {
		raw = strings.Join(vals, ",")
	}
	if vals := conf["GeoIPExcludeUnknown"]; len(vals) > 0 && vals[0] != "" {
		x.excludeUnknown = vals[0]
	}
	x.parse(raw)

	if len(x.countries) > 0 {
		info, err := ctrl.GetInfo("ip-to-country/ipv4-available")
		if err != nil || info["ip-to-country/ipv4-available"] != "1" {
			x.canResolveCountries = false
			x.logger.Notice("Tor has no GeoIP database; country exclusions can't be resolved")
		}
	}
	return x
}

// parse splits a comma-separated exclusion list into the typed sets.
func (x *ExcludeNodes) parse(raw string) {
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		// {cc} country code
		if strings.HasPrefix(token, "{") && strings.HasSuffix(token, "}") {
			cc := strings.ToLower(token[1 : len(token)-1])
			if len(cc) == 2 {
				x.countries[cc] = true
			} else {
				x.logger.Warn("Ignoring bad country code in ExcludeNodes", "token", token)
			}
			continue
		}

		// Fingerprint, optionally $-prefixed with a ~nick or =nick suffix
		fp := strings.TrimPrefix(token, "$")
		if i := strings.IndexAny(fp, "~="); i >= 0 {
			fp = fp[:i]
		}
		if isHexFingerprint(fp) {
			x.fingerprints[strings.ToUpper(fp)] = true
			continue
		}

		// addr/prefix or addr/netmask
		if addr, mask, ok := strings.Cut(token, "/"); ok {
			if p, err := netip.ParsePrefix(token); err == nil {
				x.prefixes = append(x.prefixes, p.Masked())
				continue
			}
			// dotted netmask form: 192.0.2.0/255.255.255.0
			ip := net.ParseIP(addr)
			maskIP := net.ParseIP(mask)
			if ip != nil && maskIP != nil && maskIP.To4() != nil && ip.To4() != nil {
				ones, bits := net.IPMask(maskIP.To4()).Size()
				if bits == 32 {
					if p, err := netip.ParsePrefix(addr + "/" + strconv.Itoa(ones)); err == nil {
						x.prefixes = append(x.prefixes, p.Masked())
						continue
					}
				}
			}
			x.logger.Warn("Ignoring bad address range in ExcludeNodes", "token", token)
			continue
		}

		// Bare address literal
		if addr, err := netip.ParseAddr(token); err == nil {
			x.addrs[addr] = true
			continue
		}

		// Anything left is a nickname
		x.nicknames[token] = true
	}
}

func isHexFingerprint(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// IsExcluded reports whether a relay matches any exclusion entry.
func (x *ExcludeNodes) IsExcluded(r *directory.Relay) bool {
	if x.fingerprints[r.Fingerprint] {
		return true
	}
	if x.nicknames[r.Nickname] {
		return true
	}

	if addr, err := netip.ParseAddr(r.Address); err == nil {
		if x.addrs[addr] {
			return true
		}
		for _, p := range x.prefixes {
			if p.Contains(addr) {
				return true
			}
		}
	}

	if len(x.countries) > 0 {
		return x.countryExcluded(r.Address)
	}
	return false
}

// countryExcluded resolves a relay address to a country through tor and
// applies the unknown-country policy.
func (x *ExcludeNodes) countryExcluded(addr string) bool {
	if !x.canResolveCountries {
		return x.excludeUnknown == "1"
	}

	cc, ok := x.countryCache[addr]
	if !ok {
		info, err := x.ctrl.GetInfo("ip-to-country/" + addr)
		if err != nil {
			x.logger.Info("Country lookup failed", "addr", addr, "error", err)
			cc = "??"
		} else {
			cc = strings.ToLower(info["ip-to-country/"+addr])
		}
		x.countryCache[addr] = cc
	}

	if cc == "" || cc == "??" {
		return x.excludeUnknown == "1"
	}
	return x.countries[cc]
}
