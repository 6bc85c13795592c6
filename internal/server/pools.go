package server

import (
	"log/slog"
	"net/netip"
	"os"
	"strings"
)

// AsnPool is the closed interval [Start, End] of allocatable ASNs. It is
// fixed at process start and holds no occupancy state of its own.
type AsnPool struct {
	Start int
	End   int
}

func NewAsnPool(start, end int) AsnPool {
	return AsnPool{Start: start, End: end}
}

func (p AsnPool) Size() int {
	return p.End - p.Start + 1
}

// FindAvailable returns the lowest ASN in range absent from assigned.
// ok is false when every value is taken.
func (p AsnPool) FindAvailable(assigned map[int]bool) (int, bool) {
	for asn := p.Start; asn <= p.End; asn++ {
		if !assigned[asn] {
			return asn, true
		}
	}
	return 0, false
}

// PrefixPool is the ordered list of leasable /48 blocks, loaded once from
// a flat file at process start.
type PrefixPool struct {
	prefixes []netip.Prefix
}

// LoadPrefixPool reads one /48 per line. Blank lines and '#' comments are
// ignored; malformed, wrong-length, and duplicate entries are skipped
// with a warning, never fatal.
func LoadPrefixPool(path string, log *slog.Logger) (*PrefixPool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var prefixes []netip.Prefix
	seen := map[netip.Prefix]bool{}
	for i, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pfx, err := netip.ParsePrefix(line)
		if err != nil {
			log.Warn("skipping unparseable prefix", "file", path, "line", i+1, "entry", line, "err", err)
			continue
		}
		if !pfx.Addr().Is6() || pfx.Addr().Is4In6() {
			log.Warn("skipping non-IPv6 prefix", "file", path, "line", i+1, "entry", line)
			continue
		}
		if pfx.Bits() != 48 {
			log.Warn("skipping prefix that is not a /48", "file", path, "line", i+1, "entry", line)
			continue
		}
		pfx = pfx.Masked()
		if seen[pfx] {
			log.Warn("skipping duplicate prefix", "file", path, "line", i+1, "entry", line)
			continue
		}
		seen[pfx] = true
		prefixes = append(prefixes, pfx)
	}

	return &PrefixPool{prefixes: prefixes}, nil
}

func (p *PrefixPool) Len() int {
	return len(p.prefixes)
}

// FindAvailable returns the first prefix in file order absent from leased.
func (p *PrefixPool) FindAvailable(leased map[netip.Prefix]bool) (netip.Prefix, bool) {
	for _, pfx := range p.prefixes {
		if !leased[pfx] {
			return pfx, true
		}
	}
	return netip.Prefix{}, false
}
