// pkg/installer/feed.go - release feed and latest-release document parsing.

package installer

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

type xmlFeed struct {
	XMLName  xml.Name `xml:"releases"`
	Releases []struct {
		Version string `xml:"version"`
	} `xml:"release"`
}

type jsonFeed struct {
	Releases []struct {
		Version string `json:"version"`
	} `json:"releases"`
}

// ParseReleaseFeed reads an XML or JSON release feed and returns the release identifiers
// newest first. Identifiers that do not parse as versions are dropped.
func ParseReleaseFeed(data []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty release feed")
	}

	var raw []string
	switch trimmed[0] {
	case '<':
		var feed xmlFeed
		if err := xml.Unmarshal(trimmed, &feed); err != nil {
			return nil, fmt.Errorf("parsing XML release feed: %w", err)
		}
		for _, r := range feed.Releases {
			raw = append(raw, r.Version)
		}
	case '{':
		var feed jsonFeed
		if err := json.Unmarshal(trimmed, &feed); err != nil {
			return nil, fmt.Errorf("parsing JSON release feed: %w", err)
		}
		for _, r := range feed.Releases {
			raw = append(raw, r.Version)
		}
	default:
		return nil, fmt.Errorf("unrecognised release feed format")
	}

	type release struct {
		id string
		v  *goversion.Version
	}
	seen := make(map[string]bool)
	var releases []release
	for _, id := range raw {
		id = strings.TrimSpace(id)
		v, err := goversion.NewVersion(id)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		releases = append(releases, release{id, v})
	}
	sort.SliceStable(releases, func(i, j int) bool {
		return releases[i].v.GreaterThan(releases[j].v)
	})

	out := make([]string, len(releases))
	for i, r := range releases {
		out[i] = r.id
	}
	return out, nil
}

// ReleasesFor keeps the releases belonging to an application version. Releases of the
// current version continue past its own number into the new numbering scheme.
func ReleasesFor(releases []string, appVersion string, limit int) []string {
	want, err := goversion.NewVersion(appVersion)
	if err != nil {
		return nil
	}
	wantMajor := want.Segments()[0]

	var out []string
	for _, id := range releases {
		v, err := goversion.NewVersion(id)
		if err != nil {
			continue
		}
		major := v.Segments()[0]
		if major == wantMajor || (wantMajor >= 10 && major > wantMajor) {
			out = append(out, id)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Release is a code-hosting "latest release" document.
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

// Asset is one downloadable file of a release.
type Asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
	Size int64  `json:"size"`
}

// ParseLatestRelease decodes a latest-release document.
func ParseLatestRelease(data []byte) (Release, error) {
	var r Release
	if err := json.Unmarshal(data, &r); err != nil {
		return Release{}, fmt.Errorf("parsing latest release: %w", err)
	}
	if len(r.Assets) == 0 {
		return Release{}, fmt.Errorf("release %q has no assets", r.TagName)
	}
	return r, nil
}

// AssetWithSuffix returns the first asset whose name ends with suffix, ignoring case.
func (r Release) AssetWithSuffix(suffix string) (Asset, bool) {
	for _, a := range r.Assets {
		if strings.HasSuffix(strings.ToLower(a.Name), strings.ToLower(suffix)) {
			return a, true
		}
	}
	return Asset{}, false
}
