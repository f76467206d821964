package domain

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	idPattern      = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	numericPattern = regexp.MustCompile(`^[0-9]+$`)
	userPattern    = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	schemePattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)
)

// Classify determines the platform of rawURL and returns a normalized URL
// that is identical for every superficial variant of the same media.
// It never touches the network.
func Classify(rawURL string) (Platform, string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return PlatformUnknown, "", malformed(rawURL, "empty URL")
	}
	if !schemePattern.MatchString(raw) {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return PlatformUnknown, "", malformed(rawURL, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return PlatformUnknown, "", malformed(rawURL, "unsupported scheme "+u.Scheme)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" || strings.ContainsAny(host, " \t") {
		return PlatformUnknown, "", malformed(rawURL, "missing host")
	}

	segments := pathSegments(u.Path)

	switch {
	case hostIs(host, "youtube.com", "youtube-nocookie.com", "youtu.be"):
		id, ok := youtubeID(host, segments, u.Query())
		if !ok {
			return PlatformYouTube, "", malformed(rawURL, "no video id")
		}
		return PlatformYouTube, "https://www.youtube.com/watch?v=" + id, nil

	case hostIs(host, "instagram.com", "instagr.am"):
		norm, ok := instagramURL(segments)
		if !ok {
			return PlatformInstagram, "", malformed(rawURL, "no post or story id")
		}
		return PlatformInstagram, norm, nil

	case hostIs(host, "tiktok.com"):
		norm, ok := tiktokURL(host, segments)
		if !ok {
			return PlatformTikTok, "", malformed(rawURL, "no video id")
		}
		return PlatformTikTok, norm, nil
	}

	return PlatformUnknown, "", &ClassificationError{Reason: ReasonUnsupportedPlatform, URL: rawURL, Detail: host}
}

func malformed(rawURL, detail string) *ClassificationError {
	return &ClassificationError{Reason: ReasonMalformedURL, URL: rawURL, Detail: detail}
}

// hostIs matches host against bare domains or any of their subdomains.
func hostIs(host string, domains ...string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func pathSegments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func youtubeID(host string, segs []string, q url.Values) (string, bool) {
	var id string
	switch {
	case hostIs(host, "youtu.be"):
		if len(segs) >= 1 {
			id = segs[0]
		}
	case len(segs) >= 1 && segs[0] == "watch":
		id = q.Get("v")
	case len(segs) >= 2:
		switch segs[0] {
		case "shorts", "live", "embed", "v", "e":
			id = segs[1]
		}
	}
	if id == "" || !idPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

func instagramURL(segs []string) (string, bool) {
	if len(segs) >= 3 && segs[0] == "stories" {
		user, id := segs[1], segs[2]
		if userPattern.MatchString(user) && numericPattern.MatchString(id) {
			return "https://www.instagram.com/stories/" + user + "/" + id + "/", true
		}
		return "", false
	}
	// Skip a leading username segment: /{user}/p/{code}.
	if len(segs) >= 3 && isInstagramKind(segs[1]) {
		segs = segs[1:]
	}
	if len(segs) >= 2 && isInstagramKind(segs[0]) && idPattern.MatchString(segs[1]) {
		return "https://www.instagram.com/p/" + segs[1] + "/", true
	}
	return "", false
}

func isInstagramKind(s string) bool {
	switch s {
	case "p", "reel", "reels", "tv":
		return true
	}
	return false
}

func tiktokURL(host string, segs []string) (string, bool) {
	if host == "vm.tiktok.com" || host == "vt.tiktok.com" {
		if len(segs) >= 1 && idPattern.MatchString(segs[0]) {
			return "https://vm.tiktok.com/" + segs[0] + "/", true
		}
		return "", false
	}
	if len(segs) == 0 {
		return "", false
	}

	switch {
	case segs[0] == "t" && len(segs) >= 2 && idPattern.MatchString(segs[1]):
		return "https://vm.tiktok.com/" + segs[1] + "/", true

	case strings.HasPrefix(segs[0], "@") && len(segs) >= 3 && segs[1] == "video":
		user := strings.TrimPrefix(segs[0], "@")
		if user != "" && !userPattern.MatchString(user) {
			return "", false
		}
		if !numericPattern.MatchString(segs[2]) {
			return "", false
		}
		return "https://www.tiktok.com/@" + user + "/video/" + segs[2], true

	case segs[0] == "embed":
		id := ""
		if len(segs) >= 3 && segs[1] == "v2" {
			id = segs[2]
		} else if len(segs) >= 2 {
			id = segs[1]
		}
		if numericPattern.MatchString(id) {
			return "https://www.tiktok.com/@/video/" + id, true
		}

	case segs[0] == "v" && len(segs) >= 2:
		id := strings.TrimSuffix(segs[1], ".html")
		if numericPattern.MatchString(id) {
			return "https://www.tiktok.com/@/video/" + id, true
		}
	}
	return "", false
}
