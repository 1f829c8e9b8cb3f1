package storage

import (
	"fmt"
	"sort"
	"strings"
)

// Family selects the address-family partitions a membership applies to.
type Family uint8

const (
	FamilyIPv4 Family = 1 << iota
	FamilyIPv6
	FamilyBoth = FamilyIPv4 | FamilyIPv6
)

// FamilyFor returns the partition read for a client of the given family.
func FamilyFor(ipv4 bool) Family {
	if ipv4 {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// ParseFamily accepts "both", "v4"/"ipv4" and "v6"/"ipv6".
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both", "all":
		return FamilyBoth, nil
	case "v4", "ipv4", "4":
		return FamilyIPv4, nil
	case "v6", "ipv6", "6":
		return FamilyIPv6, nil
	}
	return 0, fmt.Errorf("unknown address family %q", s)
}

// Has reports whether f includes other.
func (f Family) Has(other Family) bool {
	return f&other == other
}

// Field is the hash field marking a Redis membership for one family.
func (f Family) Field() string {
	if f == FamilyIPv4 {
		return "A"
	}
	return "AAAA"
}

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	case FamilyBoth:
		return "both"
	}
	return "none"
}

// families expands f into its single-family members.
func (f Family) families() []Family {
	out := make([]Family, 0, 2)
	if f.Has(FamilyIPv4) {
		out = append(out, FamilyIPv4)
	}
	if f.Has(FamilyIPv6) {
		out = append(out, FamilyIPv6)
	}
	return out
}

// Reserved key prefixes. Matchclasses cannot use these names because their
// membership keys would collide with control-plane keys.
const (
	daemonPrefix = "daemon"
	rulesPrefix  = "rules"
)

// ValidateMatchclass rejects names that cannot safely prefix a key.
func ValidateMatchclass(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidMatchclass)
	case strings.ContainsAny(name, ": \t\r\n*?[]"):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidMatchclass, name)
	case name == daemonPrefix || name == rulesPrefix:
		return fmt.Errorf("%w: %q is reserved", ErrInvalidMatchclass, name)
	}
	return nil
}

// MembershipKey returns the key that marks domain as a member of matchclass.
func MembershipKey(matchclass, domain string) string {
	return matchclass + ":" + domain
}

// splitMembershipKey is the inverse of MembershipKey.
func splitMembershipKey(key string) (matchclass, domain string, ok bool) {
	matchclass, domain, ok = strings.Cut(key, ":")
	if !ok || matchclass == daemonPrefix || matchclass == rulesPrefix {
		return "", "", false
	}
	return matchclass, domain, true
}

func rulesKey(matchclass string) string {
	return rulesPrefix + ":" + matchclass
}

func daemonKey(daemonID string, suffix string) string {
	return daemonPrefix + ":" + daemonID + ":" + suffix
}

// NormalizeDomain lower-cases a domain and makes it fully qualified.
// It returns "" for input that holds no name.
func NormalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimPrefix(domain, "*.")
	if domain == "" || domain == "." {
		return ""
	}
	if !strings.HasSuffix(domain, ".") {
		domain += "."
	}
	return domain
}

// NormalizeQtype upper-cases a record type name.
func NormalizeQtype(qtype string) string {
	return strings.ToUpper(strings.TrimSpace(qtype))
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
