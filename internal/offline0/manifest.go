package offline0

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// assetManifestEntry is one chunk of a Vite-style build manifest.
type assetManifestEntry struct {
	File    string   `json:"file"`
	CSS     []string `json:"css"`
	Assets  []string `json:"assets"`
	IsEntry bool     `json:"isEntry"`
}

// shellSeeder fetches the shell manifest from the origin at install time.
type shellSeeder struct {
	origin        string
	manifest      []string
	assetManifest string
	transport     http.RoundTripper
	concurrency   int
}

// paths returns the configured manifest followed by every file named in the
// asset manifest, without duplicates.
func (s *shellSeeder) paths(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(s.manifest))
	add := func(p string) {
		p = normalizeManifestPath(p)
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range s.manifest {
		add(p)
	}
	if s.assetManifest == "" {
		return out, nil
	}

	doc, err := s.fetchAssetManifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("asset manifest %q: %w", s.assetManifest, err)
	}
	for _, ent := range doc {
		add(ent.File)
		for _, c := range ent.CSS {
			add(c)
		}
		for _, a := range ent.Assets {
			add(a)
		}
	}
	return out, nil
}

func (s *shellSeeder) fetchAssetManifest(ctx context.Context) (map[string]assetManifestEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.origin+normalizeManifestPath(s.assetManifest), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.transport.RoundTrip(req)
	if err != nil {
		return nil, networkError(err, req.URL.String())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var doc map[string]assetManifestEntry
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// seed fetches every shell path and writes them into region in one batch.
// Any failure aborts before anything is written.
func (s *shellSeeder) seed(ctx context.Context, store *Store, region string) (int, error) {
	paths, err := s.paths(ctx)
	if err != nil {
		return 0, err
	}

	entries := make([]Entry, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i, p := range paths {
		g.Go(func() error {
			ent, err := s.fetchEntry(gctx, p)
			if err != nil {
				return fmt.Errorf("manifest entry %q: %w", p, err)
			}
			entries[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := store.PutAll(region, entries); err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{"region": region, "entries": len(entries)}).Info("shell seeded")
	return len(entries), nil
}

func (s *shellSeeder) fetchEntry(ctx context.Context, path string) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.origin+path, nil)
	if err != nil {
		return Entry{}, err
	}
	resp, err := s.transport.RoundTrip(req)
	if err != nil {
		return Entry{}, networkError(err, req.URL.String())
	}
	snap, _, err := snapshotResponse(resp, 0)
	if err != nil {
		return Entry{}, networkError(err, req.URL.String())
	}
	if snap.Status != http.StatusOK {
		return Entry{}, statusError(snap.Response(req))
	}
	return Entry{ID: identityFor(http.MethodGet, req.URL, nil, nil), Snap: snap}, nil
}

func normalizeManifestPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		u, err := url.Parse(p)
		if err != nil {
			return ""
		}
		p = u.RequestURI()
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
