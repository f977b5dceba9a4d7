package subaru

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/pgzip"
)

// AurInfo is one metadata record from the source ecosystem's RPC API.
type AurInfo struct {
	Name        string `json:"Name"`
	PackageBase string `json:"PackageBase"`
	Version     string `json:"Version"`
	Description string `json:"Description"`
	Maintainer  string `json:"Maintainer"`
	URL         string `json:"URL"`
	NumVotes    int    `json:"NumVotes"`
	Popularity  float64 `json:"Popularity"`
}

type aurResponse struct {
	ResultCount int       `json:"resultcount"`
	Results     []AurInfo `json:"results"`
	Type        string    `json:"type"`
	Error       string    `json:"error"`
}

// MetadataSource is the slice of the metadata client the resolver
// depends on, kept narrow so tests can fake it.
type MetadataSource interface {
	Srcinfo(ctx context.Context, name string) (*Srcinfo, error)
	InIndex(ctx context.Context, name string) bool
}

// AurClient fetches package metadata, build manifests and the name
// index from the source ecosystem. Parsed manifests are cached for
// the life of the client; all network failures on search degrade to
// the local name index.
type AurClient struct {
	http *http.Client

	mu           sync.Mutex
	srcinfoCache map[string]*Srcinfo
	index        map[string]string // normalized name -> real name
}

func NewAurClient() *AurClient {
	return &AurClient{
		http:         newHTTPClient(),
		srcinfoCache: make(map[string]*Srcinfo),
	}
}

func (c *AurClient) rpc(ctx context.Context, query string) (*aurResponse, error) {
	body, err := httpGet(ctx, c.http, aurRPCURL+"&"+query)
	if err != nil {
		return nil, err
	}
	var resp aurResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed metadata response: %w", err)
	}
	if resp.Type == "error" {
		return nil, fmt.Errorf("metadata api error: %s", resp.Error)
	}
	return &resp, nil
}

// Search queries the remote search API. The API refuses queries with
// too many results; callers fall back to SearchIndex when the result
// is empty or the network is down.
func (c *AurClient) Search(ctx context.Context, words string) ([]AurInfo, error) {
	resp, err := c.rpc(ctx, "type=search&arg="+url.QueryEscape(words))
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Info fetches metadata records for the given names in one call.
func (c *AurClient) Info(ctx context.Context, names []string) ([]AurInfo, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var query strings.Builder
	query.WriteString("type=info")
	for _, n := range names {
		query.WriteString("&arg[]=")
		query.WriteString(url.QueryEscape(n))
	}
	resp, err := c.rpc(ctx, query.String())
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Srcinfo fetches and parses the build manifest for a package base.
// Results are cached; the cache is never invalidated within a session
// because manifests only change when the recipe repository changes.
func (c *AurClient) Srcinfo(ctx context.Context, name string) (*Srcinfo, error) {
	c.mu.Lock()
	if cached, ok := c.srcinfoCache[name]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	rawURL := fmt.Sprintf("https://aur.archlinux.org/cgit/aur.git/plain/.SRCINFO?h=%s", url.QueryEscape(name))
	body, err := httpGet(ctx, c.http, rawURL)
	if err != nil {
		return nil, fmt.Errorf("could not fetch manifest for %s: %w", name, err)
	}

	info := ParseSrcinfo(string(body))
	c.mu.Lock()
	c.srcinfoCache[name] = info
	c.mu.Unlock()
	return info, nil
}

// ClearCaches drops the per-session manifest cache. Called by the
// upgrade path so a long-lived facade does not act on stale manifests.
func (c *AurClient) ClearCaches() {
	c.mu.Lock()
	c.srcinfoCache = make(map[string]*Srcinfo)
	c.index = nil
	c.mu.Unlock()
}

// UpdateIndex downloads the gzipped package-name list and stores it
// locally for offline substring search.
func (c *AurClient) UpdateIndex(ctx context.Context) error {
	body, err := httpGet(ctx, c.http, aurIndexURL)
	if err != nil {
		return fmt.Errorf("could not download name index: %w", err)
	}

	gz, err := pgzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("malformed name index: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(filepath.Dir(IndexFile), 0o755); err != nil {
		return err
	}
	out, err := os.Create(IndexFile + ".part")
	if err != nil {
		return err
	}

	w := bufio.NewWriter(out)
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" || strings.HasPrefix(name, "#") {
			continue
		}
		fmt.Fprintln(w, name)
	}
	if err := scanner.Err(); err != nil {
		out.Close()
		return fmt.Errorf("could not read name index: %w", err)
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(IndexFile+".part", IndexFile)
}

// readLocalIndex loads the stored name index, keyed by the lowercased
// name for case-insensitive matching.
func (c *AurClient) readLocalIndex() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.index != nil {
		return c.index
	}

	f, err := os.Open(IndexFile)
	if err != nil {
		return nil
	}
	defer f.Close()

	index := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name != "" {
			index[strings.ToLower(name)] = name
		}
	}
	c.index = index
	return index
}

// SearchIndex performs an offline substring search over the local
// name index, capped so a short query can't return the whole index.
func (c *AurClient) SearchIndex(words string, limit int) []string {
	index := c.readLocalIndex()
	if index == nil {
		return nil
	}

	needle := strings.ToLower(words)
	var matches []string
	for norm, real := range index {
		if strings.Contains(norm, needle) {
			matches = append(matches, real)
			if limit > 0 && len(matches) >= limit {
				break
			}
		}
	}
	return matches
}

// InIndex reports whether the name exists in the source ecosystem.
// It prefers the local index and falls back to a remote info call
// when no index has been downloaded yet.
func (c *AurClient) InIndex(ctx context.Context, name string) bool {
	if index := c.readLocalIndex(); index != nil {
		_, ok := index[strings.ToLower(name)]
		return ok
	}
	infos, err := c.Info(ctx, []string{name})
	return err == nil && len(infos) > 0
}
