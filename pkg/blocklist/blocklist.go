// Package blocklist reads domain lists used to feed matchclasses. Lists may
// be local files or http(s) URLs in hosts, plain or adblock format.
package blocklist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"sinkhole-dns/pkg/logging"
	"sinkhole-dns/pkg/storage"
)

// Loader reads domain lists from files and URLs
type Loader struct {
	client *http.Client
	logger *logging.Logger
}

// NewLoader creates a loader. A nil client gets a default one with a 60s timeout.
func NewLoader(logger *logging.Logger, client *http.Client) *Loader {
	if client == nil {
		client = &http.Client{
			Timeout: 60 * time.Second, // large lists
		}
	}
	return &Loader{client: client, logger: logger}
}

// Load returns the sorted, de-duplicated domains listed at source
func (l *Loader) Load(ctx context.Context, source string) ([]string, error) {
	startTime := time.Now()

	var (
		r   io.ReadCloser
		err error
	)
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		r, err = l.download(ctx, source)
	} else {
		r, err = os.Open(source)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	domains, err := l.parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", source, err)
	}

	l.logger.Info("Domain list loaded",
		"source", source,
		"domains", len(domains),
		"duration", time.Since(startTime))
	return domains, nil
}

func (l *Loader) download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download list: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Parse reads a list from r without logging
func Parse(r io.Reader) ([]string, error) {
	return (&Loader{logger: logging.NewDefault()}).parse(r)
}

// parse supports:
//   - 0.0.0.0 domain.com
//   - 127.0.0.1 domain.com
//   - domain.com
//   - ||domain.com^
//
// Blank lines, # comments and names that are not valid domains are skipped.
func (l *Loader) parse(r io.Reader) ([]string, error) {
	set := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	lineCount := 0

	for scanner.Scan() {
		lineCount++
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "!") {
			continue
		}

		domain := storage.NormalizeDomain(extractDomain(line))
		if domain == "" {
			continue
		}
		if _, ok := dns.IsDomainName(domain); !ok {
			continue
		}
		set[domain] = struct{}{}

		if lineCount%100000 == 0 {
			l.logger.Debug("Parsing domain list", "lines", lineCount, "domains", len(set))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading list: %w", err)
	}

	domains := make([]string, 0, len(set))
	for d := range set {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains, nil
}

// extractDomain returns the domain named by one list line, or ""
func extractDomain(line string) string {
	if strings.HasPrefix(line, "||") && strings.Contains(line, "^") {
		domain := strings.TrimPrefix(line, "||")
		return strings.TrimSpace(strings.Split(domain, "^")[0])
	}

	var domain string
	fields := strings.Fields(line)
	switch {
	case len(fields) >= 2 && (strings.Contains(fields[0], ".") || strings.Contains(fields[0], ":")):
		domain = fields[1] // hosts format, first field is an address
	case len(fields) == 1:
		domain = fields[0]
	default:
		return ""
	}

	name := strings.ToLower(strings.TrimSuffix(domain, "."))
	switch name {
	case "localhost", "localhost.localdomain", "local", "broadcasthost":
		return ""
	}
	if _, err := netip.ParseAddr(name); err == nil {
		return ""
	}
	return domain
}
