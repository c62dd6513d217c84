// Package ipgeo resolves client IP addresses to countries using a MaxMind
// MMDB file.
package ipgeo

import (
	"net/netip"
	"slices"
	"strings"

	"github.com/oschwald/maxminddb-golang/v2"
)

// Checker resolves IP addresses to ISO 3166-1 alpha-2 country codes.
type Checker struct {
	reader  *maxminddb.Reader
	blocked []string
}

// Open opens an MMDB file for country lookups. Requests from the blocked
// countries are refused by Blocked.
func Open(dbPath string, blocked []string) (*Checker, error) {
	r, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, err
	}
	c := &Checker{reader: r}
	for _, cc := range blocked {
		c.blocked = append(c.blocked, strings.ToUpper(cc))
	}
	return c, nil
}

// Close releases the MMDB reader resources.
func (c *Checker) Close() error {
	return c.reader.Close()
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// tailscalePrefix is the CGNAT range 100.64.0.0/10.
var tailscalePrefix = netip.MustParsePrefix("100.64.0.0/10")

// CountryCode returns the ISO 3166-1 alpha-2 country code for the given IP string.
// Returns "local" for loopback, private, and unspecified IPs.
// Returns "tailscale" for Tailscale CGNAT IPs (100.64.0.0/10).
// Returns "" on parse or lookup error.
func (c *Checker) CountryCode(ipStr string) string {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return ""
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
		return "local"
	}
	if tailscalePrefix.Contains(addr) {
		return "tailscale"
	}
	var rec countryRecord
	if err := c.reader.Lookup(addr).Decode(&rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// Blocked reports whether requests from country code cc are refused.
func (c *Checker) Blocked(cc string) bool {
	return cc != "" && slices.Contains(c.blocked, cc)
}
