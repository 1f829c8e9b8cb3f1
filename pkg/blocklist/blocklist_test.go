package blocklist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sinkhole-dns/pkg/logging"
)

const mixedList = `# Comment line
0.0.0.0 ads.example.com
127.0.0.1 Tracker.Example.COM   # trailing comment
127.0.0.1 localhost
0.0.0.0 0.0.0.0
::1 ip6-localhost.example
||adblock.example.net^
! adblock comment
plain.example.org
plain.example.org.
*.wildcard.example
not a domain line
bad_label..example
`

func TestParse_Formats(t *testing.T) {
	domains, err := Parse(strings.NewReader(mixedList))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	want := []string{
		"adblock.example.net.",
		"ads.example.com.",
		"ip6-localhost.example.",
		"plain.example.org.",
		"tracker.example.com.",
		"wildcard.example.",
	}
	if strings.Join(domains, ",") != strings.Join(want, ",") {
		t.Errorf("Parse() = %v, want %v", domains, want)
	}
}

func TestParse_Empty(t *testing.T) {
	domains, err := Parse(strings.NewReader("\n# nothing here\n\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(domains) != 0 {
		t.Errorf("expected no domains, got %v", domains)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.txt")
	if err := os.WriteFile(path, []byte("ads.example.com\nads.example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	domains, err := NewLoader(logging.NewDefault(), nil).Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(domains) != 1 || domains[0] != "ads.example.com." {
		t.Errorf("Load() = %v", domains)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := NewLoader(logging.NewDefault(), nil).Load(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_URL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0.0.0.0 malware.example.com\n0.0.0.0 tracker.example.com\n"))
	}))
	defer server.Close()

	domains, err := NewLoader(logging.NewDefault(), server.Client()).Load(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(domains) != 2 {
		t.Errorf("expected 2 domains, got %v", domains)
	}
}

func TestLoad_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewLoader(logging.NewDefault(), server.Client()).Load(context.Background(), server.URL)
	if err == nil {
		t.Error("expected error for 404 response")
	}
}
