package translator

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// EncodeAssetPath maps an upstream asset URL to a single gateway path
// segment. Absolute URLs become "u_" + base64url of the full URL; anything
// else is treated as a path and becomes "p_" + base64url of the path.
func EncodeAssetPath(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.IsAbs() {
		return "u_" + base64.RawURLEncoding.EncodeToString([]byte(u.String()))
	}
	p := raw
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "p_" + base64.RawURLEncoding.EncodeToString([]byte(p))
}

// DecodeAssetPath reverses EncodeAssetPath. The second return reports
// whether the segment was a full URL ("u_") rather than a bare path.
func DecodeAssetPath(encoded string) (value string, isURL bool, err error) {
	switch {
	case strings.HasPrefix(encoded, "u_"):
		isURL = true
		encoded = encoded[2:]
	case strings.HasPrefix(encoded, "p_"):
		encoded = encoded[2:]
	default:
		return "", false, fmt.Errorf("asset path %q has no recognized prefix", encoded)
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", false, fmt.Errorf("decode asset path: %w", err)
	}
	return string(data), isURL, nil
}

// ImageProxyURL builds the public proxied URL for an encoded asset path.
// baseURL wins over the request origin when configured.
func ImageProxyURL(baseURL, origin, encoded string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = strings.TrimRight(origin, "/")
	}
	return base + "/images/" + encoded
}

// NormalizeGeneratedURLs keeps only usable generated asset URLs: non-empty
// strings that are not a bare "/" and, for parseable URLs, not an empty root
// with no query or fragment.
func NormalizeGeneratedURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" || raw == "/" {
			continue
		}
		if u, err := url.Parse(raw); err == nil {
			rootPath := u.Path == "/" || (u.IsAbs() && u.Path == "")
			if rootPath && u.RawQuery == "" && u.Fragment == "" {
				continue
			}
		}
		out = append(out, raw)
	}
	return out
}

// escapeAttr escapes a URL for embedding inside a double-quoted HTML
// attribute value.
func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	return strings.ReplaceAll(s, `"`, "&quot;")
}

// VideoHTML renders the snippet emitted when video generation completes.
// With posterPreview a clickable thumbnail with a play triangle is emitted
// instead of a bare player.
func VideoHTML(videoURL, posterURL string, posterPreview bool) string {
	if !posterPreview || posterURL == "" {
		return fmt.Sprintf(`<video src="%s" controls width="500" height="300"></video>`, escapeAttr(videoURL))
	}
	player := fmt.Sprintf(
		`<video src=&quot;%s&quot; controls autoplay width=&quot;500&quot; height=&quot;300&quot;></video>`,
		escapeAttr(videoURL))
	return fmt.Sprintf(
		`<div style="position:relative;display:inline-block;cursor:pointer" onclick="this.outerHTML='%s'">`+
			`<img src="%s" width="500" height="300" alt="video preview"/>`+
			`<div style="position:absolute;top:50%%;left:50%%;transform:translate(-50%%,-50%%);`+
			`width:0;height:0;border-left:36px solid rgba(255,255,255,0.9);`+
			`border-top:22px solid transparent;border-bottom:22px solid transparent"></div></div>`,
		player, escapeAttr(posterURL))
}
