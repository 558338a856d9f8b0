package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxMetadataBytes = 1 << 20

type metadataDoc struct {
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
}

// resolveURI maps a metadata URI to a fetchable URL. ipfs:// URIs are routed
// through gateway; anything that is not http(s) afterwards is unresolvable.
func resolveURI(uri, gateway string) (string, bool) {
	uri = strings.TrimSpace(uri)
	if rest, ok := strings.CutPrefix(uri, "ipfs://"); ok {
		rest = strings.TrimPrefix(rest, "ipfs/")
		if rest == "" {
			return "", false
		}
		return strings.TrimSuffix(gateway, "/") + "/" + rest, true
	}
	if strings.HasPrefix(uri, "https://") || strings.HasPrefix(uri, "http://") {
		return uri, true
	}
	return "", false
}

func (m *Monitor) fetchMetadata(ctx context.Context, uri string) (metadataDoc, error) {
	var doc metadataDoc

	url, ok := resolveURI(uri, m.opts.IPFSGateway)
	if !ok {
		return doc, fmt.Errorf("unresolvable metadata uri %q", uri)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.MetadataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return doc, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return doc, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return doc, fmt.Errorf("metadata %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(&doc); err != nil {
		return metadataDoc{}, fmt.Errorf("decode metadata: %w", err)
	}
	return doc, nil
}
