package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// refRe matches quince:/media/<filename> URIs. The charset already
// excludes "/", so a leading-slash or traversal-via-"/.." filename is
// impossible; an embedded ".." (e.g. "a..b") still matches the charset
// and is rejected separately below.
var refRe = regexp.MustCompile(`quince:/media/([A-Za-z0-9._-]+)`)

// ParseRefs extracts every valid quince:/media/ reference from body, in
// first-seen order. Duplicates within one body collapse to one reference.
func ParseRefs(body string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range refRe.FindAllStringSubmatch(body, -1) {
		name := m[1]
		if strings.Contains(name, "..") {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// refURI rebuilds the canonical URI for name, for body rewriting.
func refURI(name string) string {
	return "quince:/media/" + name
}

// bodySplit splits mime at its first CRLF CRLF, matching the same
// header/body boundary internal/signing uses. ok is false if mime has no
// such separator.
func bodySplit(mime string) (headers, body string, ok bool) {
	const sep = "\r\n\r\n"
	idx := strings.Index(mime, sep)
	if idx < 0 {
		return "", "", false
	}
	return mime[:idx], mime[idx+len(sep):], true
}

// dedupeName returns a filename that does not already exist in dir: name
// itself if free, else "<base>-1<ext>", "<base>-2<ext>", and so on.
func dedupeName(dir, name string) string {
	if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
		return name
	}

	base, ext := name, ""
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		base, ext = name[:idx], name[idx:]
	}

	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
	}
}

// humanSize renders n bytes as "N B", "N.N KB", "N.N MB" or "N.N GB",
// power-of-1024.
func humanSize(n int64) string {
	const unit = 1024.0
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	f := float64(n)
	units := []string{"KB", "MB", "GB"}
	div := unit
	for i, u := range units {
		if f < div*unit || i == len(units)-1 {
			return fmt.Sprintf("%.1f %s", f/div, u)
		}
		div *= unit
	}
	return fmt.Sprintf("%.1f GB", f/(unit*unit*unit))
}
