package importer

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/jsonc"

	"github.com/apistation/apistation/internal/collection"
	"github.com/apistation/apistation/internal/types"
)

type harFile struct {
	Log harLog `json:"log"`
}

type harLog struct {
	Entries []harEntry `json:"entries"`
}

type harEntry struct {
	Request harRequest `json:"request"`
}

type harRequest struct {
	Method      string         `json:"method"`
	URL         string         `json:"url"`
	Headers     []harNameValue `json:"headers"`
	QueryString []harNameValue `json:"queryString"`
	PostData    *harPostData   `json:"postData"`
}

type harNameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harPostData struct {
	MimeType string         `json:"mimeType"`
	Text     string         `json:"text"`
	Params   []harNameValue `json:"params"`
}

// skippedHeaders are browser/transport artifacts that should not be
// replayed.
var skippedHeaders = map[string]bool{
	"cookie":             true,
	"host":               true,
	"content-length":     true,
	"connection":         true,
	"accept-encoding":    true,
	"sec-ch-ua":          true,
	"sec-ch-ua-mobile":   true,
	"sec-ch-ua-platform": true,
	"sec-fetch-dest":     true,
	"sec-fetch-mode":     true,
	"sec-fetch-site":     true,
}

// FromHAR converts a HAR capture into a flat collection, one request per
// recorded entry. Browser bookkeeping headers and cookies are dropped.
func FromHAR(path string) (*collection.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read HAR file: %w", err)
	}

	var har harFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &har); err != nil {
		return nil, fmt.Errorf("failed to parse HAR file: %w", err)
	}
	if len(har.Log.Entries) == 0 {
		return nil, fmt.Errorf("HAR file has no entries")
	}

	bundle := &collection.Bundle{
		Collection: &types.Collection{
			ID:     uuid.NewString(),
			TeamID: "local",
			Name:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		},
	}

	for i, entry := range har.Log.Entries {
		req, err := harEntryToRequest(&entry.Request, bundle.Collection.ID, i)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i+1, err)
		}
		bundle.Requests = append(bundle.Requests, req)
	}

	return bundle, nil
}

func harEntryToRequest(hr *harRequest, collectionID string, order int) (*types.Request, error) {
	if hr.URL == "" {
		return nil, fmt.Errorf("request has no URL")
	}
	parsed, err := url.Parse(hr.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", hr.URL, err)
	}

	// Query parameters move from the URL into the structured list.
	base := *parsed
	base.RawQuery = ""
	base.Fragment = ""

	var query []types.Param
	for _, q := range hr.QueryString {
		query = append(query, types.Param{Key: q.Name, Value: q.Value})
	}
	if len(query) == 0 {
		for key, values := range parsed.Query() {
			for _, value := range values {
				query = append(query, types.Param{Key: key, Value: value})
			}
		}
		sort.Slice(query, func(i, j int) bool { return query[i].Key < query[j].Key })
	}

	var headers []types.Param
	for _, h := range hr.Headers {
		name := strings.ToLower(h.Name)
		if strings.HasPrefix(name, ":") || skippedHeaders[name] {
			continue
		}
		headers = append(headers, types.Param{Key: h.Name, Value: h.Value})
	}

	body := types.Body{}
	if hr.PostData != nil {
		switch {
		case strings.HasPrefix(hr.PostData.MimeType, "application/x-www-form-urlencoded"):
			form := make([]types.Param, 0, len(hr.PostData.Params))
			for _, p := range hr.PostData.Params {
				form = append(form, types.Param{Key: p.Name, Value: p.Value})
			}
			body = types.Body{Type: types.BodyURLEncoded, Form: form}
		case hr.PostData.Text != "":
			contentType := hr.PostData.MimeType
			if i := strings.IndexByte(contentType, ';'); i >= 0 {
				contentType = contentType[:i]
			}
			body = types.Body{
				Type:        types.BodyRaw,
				Raw:         hr.PostData.Text,
				ContentType: contentType,
			}
		}
	}

	name := hr.Method + " " + parsed.Path
	if parsed.Path == "" || parsed.Path == "/" {
		name = hr.Method + " " + parsed.Host
	}

	return &types.Request{
		ID:              uuid.NewString(),
		CollectionID:    collectionID,
		Name:            name,
		Method:          hr.Method,
		URL:             base.String(),
		SortOrder:       order,
		Headers:         headers,
		Query:           query,
		Body:            body,
		FollowRedirects: true,
	}, nil
}

// sortedKeys returns a map's keys in stable order, for deterministic
// output.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
