package storage

import (
	"errors"
	"testing"
)

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Example.COM", "example.com."},
		{"example.com.", "example.com."},
		{"  *.ads.example.net ", "ads.example.net."},
		{"", ""},
		{".", ""},
	}
	for _, tt := range tests {
		if got := NormalizeDomain(tt.in); got != tt.want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateMatchclass(t *testing.T) {
	valid := []string{"ads", "malware-v2", "kids_safe"}
	for _, name := range valid {
		if err := ValidateMatchclass(name); err != nil {
			t.Errorf("ValidateMatchclass(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "a:b", "with space", "ads*", "daemon", "rules"}
	for _, name := range invalid {
		if err := ValidateMatchclass(name); !errors.Is(err, ErrInvalidMatchclass) {
			t.Errorf("ValidateMatchclass(%q) = %v, want ErrInvalidMatchclass", name, err)
		}
	}
}

func TestMembershipKeyRoundTrip(t *testing.T) {
	key := MembershipKey("ads", "x.example.")
	if key != "ads:x.example." {
		t.Fatalf("MembershipKey() = %q", key)
	}
	mc, domain, ok := splitMembershipKey(key)
	if !ok || mc != "ads" || domain != "x.example." {
		t.Errorf("splitMembershipKey(%q) = %q, %q, %v", key, mc, domain, ok)
	}
	if _, _, ok := splitMembershipKey("daemon:dns1:binds"); ok {
		t.Error("control-plane keys must not split as memberships")
	}
}

func TestParseFamily(t *testing.T) {
	tests := map[string]Family{
		"":     FamilyBoth,
		"both": FamilyBoth,
		"v4":   FamilyIPv4,
		"IPv6": FamilyIPv6,
	}
	for in, want := range tests {
		got, err := ParseFamily(in)
		if err != nil || got != want {
			t.Errorf("ParseFamily(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseFamily("v5"); err == nil {
		t.Error("ParseFamily(v5) should fail")
	}
	if FamilyIPv4.Field() != "A" || FamilyIPv6.Field() != "AAAA" {
		t.Error("unexpected membership fields")
	}
}

func TestParseParam(t *testing.T) {
	p, err := ParseParam("blackhole-ips")
	if err != nil || p != ParamBlackholeIPs {
		t.Errorf("ParseParam(blackhole-ips) = %v, %v", p, err)
	}
	if _, err := ParseParam("nope"); !errors.Is(err, ErrUnknownParam) {
		t.Errorf("ParseParam(nope) error = %v", err)
	}
}
