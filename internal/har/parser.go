// Package har reads captured browser traffic to seed the generation queue
// with the HTML pages it contains.
package har

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/yourorg/ccssgen/pkg/types"
)

type HARFile struct {
	Log struct {
		Entries []Entry `json:"entries"`
	} `json:"log"`
}

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Entry struct {
	StartedDateTime string `json:"startedDateTime"`
	Request         struct {
		Method  string   `json:"method"`
		URL     string   `json:"url"`
		Headers []Header `json:"headers"`
	} `json:"request"`
	Response struct {
		Status  int `json:"status"`
		Content struct {
			MimeType string `json:"mimeType"`
		} `json:"content"`
	} `json:"response"`
}

// PageViews returns one page request per distinct (URL, user agent) pair of
// successful HTML GETs, oldest first. Status 404 pages are kept and flagged.
func PageViews(filePath string) ([]types.PageRequest, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var hf HARFile
	if err := json.Unmarshal(data, &hf); err != nil {
		return nil, fmt.Errorf("parse har: %w", err)
	}

	type seen struct {
		at  time.Time
		req types.PageRequest
	}
	views := make([]seen, 0, len(hf.Log.Entries))
	index := make(map[string]struct{})
	for _, e := range hf.Log.Entries {
		if !strings.EqualFold(e.Request.Method, "GET") || !isHTML(e.Response.Content.MimeType) {
			continue
		}
		if e.Response.Status != 200 && e.Response.Status != 404 {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, e.StartedDateTime)
		if err != nil {
			return nil, fmt.Errorf("parse startedDateTime: %w", err)
		}
		u, err := url.Parse(e.Request.URL)
		if err != nil {
			return nil, fmt.Errorf("parse request url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		u.Fragment = ""
		ua := header(e.Request.Headers, "User-Agent")
		key := u.String() + "\x00" + ua
		if _, ok := index[key]; ok {
			continue
		}
		index[key] = struct{}{}
		views = append(views, seen{at: ts, req: types.PageRequest{
			URL:       u.String(),
			UserAgent: ua,
			NotFound:  e.Response.Status == 404,
		}})
	}

	sort.SliceStable(views, func(i, j int) bool { return views[i].at.Before(views[j].at) })
	out := make([]types.PageRequest, len(views))
	for i, v := range views {
		out[i] = v.req
	}
	return out, nil
}

func header(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func isHTML(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	return mt == "text/html" || mt == "application/xhtml+xml"
}
