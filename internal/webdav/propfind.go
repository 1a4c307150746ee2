package webdav

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/dirsync/internal/remote"
)

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:resourcetype/>
    <d:getcontentlength/>
    <d:getlastmodified/>
  </d:prop>
</d:propfind>`

type multistatus struct {
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href      string     `xml:"DAV: href"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Status string `xml:"DAV: status"`
	Prop   prop   `xml:"DAV: prop"`
}

type prop struct {
	ResourceType  resourceType `xml:"DAV: resourcetype"`
	ContentLength string       `xml:"DAV: getcontentlength"`
	LastModified  string       `xml:"DAV: getlastmodified"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
}

// parseMultistatus decodes a Depth 1 PROPFIND response into entries. The
// response describing selfPath itself is dropped. Only 200 propstats carry
// usable properties; anything else (typically 404 for unsupported props) is
// ignored.
func parseMultistatus(r io.Reader, selfPath string) ([]remote.Entry, error) {
	var ms multistatus
	if err := xml.NewDecoder(r).Decode(&ms); err != nil {
		return nil, fmt.Errorf("decoding multistatus: %w", err)
	}

	self := strings.TrimSuffix(selfPath, "/")
	entries := make([]remote.Entry, 0, len(ms.Responses))

	for i := range ms.Responses {
		resp := &ms.Responses[i]

		hrefPath, err := hrefToPath(resp.Href)
		if err != nil {
			return nil, err
		}

		trimmed := strings.TrimSuffix(hrefPath, "/")
		if trimmed == self || trimmed == "" {
			continue
		}

		entry := remote.Entry{Name: norm.NFC.String(path.Base(trimmed))}

		for j := range resp.Propstats {
			ps := &resp.Propstats[j]
			if !statusOK(ps.Status) {
				continue
			}

			entry.IsDir = entry.IsDir || ps.Prop.ResourceType.Collection != nil

			if ps.Prop.ContentLength != "" {
				if n, err := strconv.ParseInt(strings.TrimSpace(ps.Prop.ContentLength), 10, 64); err == nil {
					entry.Size = n
				}
			}

			if ps.Prop.LastModified != "" {
				if t, err := http.ParseTime(strings.TrimSpace(ps.Prop.LastModified)); err == nil {
					entry.ModTime = t.UTC()
				}
			}
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// hrefToPath extracts the unescaped path from an href, which servers may send
// either as an absolute URL or as an absolute path.
func hrefToPath(href string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parsing href %q: %w", href, err)
	}

	return u.Path, nil
}

// statusOK reports whether a propstat status line ("HTTP/1.1 200 OK") is 200.
func statusOK(status string) bool {
	fields := strings.Fields(status)

	return len(fields) >= 2 && fields[1] == "200"
}
