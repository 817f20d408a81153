package transfer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseRefsDedupesAndRejectsTraversal(t *testing.T) {
	body := "See quince:/media/report.pdf and also quince:/media/report.pdf again, " +
		"plus quince:/media/evil..txt which should be dropped."
	got := ParseRefs(body)
	want := []string{"report.pdf"}
	if len(got) != len(want) || got[0] != want[0] {
		t.Fatalf("ParseRefs(...) = %v, want %v", got, want)
	}
}

func TestParseRefsNoneFound(t *testing.T) {
	if got := ParseRefs("nothing to see here"); got != nil {
		t.Errorf("ParseRefs = %v, want nil", got)
	}
}

func TestBodySplit(t *testing.T) {
	mime := "From: a@b\r\n\r\nhello"
	headers, body, ok := bodySplit(mime)
	if !ok || headers != "From: a@b" || body != "hello" {
		t.Errorf("bodySplit = (%q, %q, %v)", headers, body, ok)
	}
}

func TestBodySplitNoSeparator(t *testing.T) {
	if _, _, ok := bodySplit("no separator here"); ok {
		t.Errorf("bodySplit reported ok on a body with no header/body separator")
	}
}

func TestDedupeNameReturnsOriginalWhenFree(t *testing.T) {
	dir := t.TempDir()
	if got := dedupeName(dir, "report.pdf"); got != "report.pdf" {
		t.Errorf("dedupeName = %q, want %q", got, "report.pdf")
	}
}

func TestDedupeNameAppendsCounter(t *testing.T) {
	dir := t.TempDir()
	mustTouch(t, filepath.Join(dir, "report.pdf"))
	mustTouch(t, filepath.Join(dir, "report-1.pdf"))

	got := dedupeName(dir, "report.pdf")
	if got != "report-2.pdf" {
		t.Errorf("dedupeName = %q, want %q", got, "report-2.pdf")
	}
}

func TestHumanSize(t *testing.T) {
	cases := map[int64]string{
		0:           "0 B",
		512:         "512 B",
		1536:        "1.5 KB",
		3 * 1 << 20: "3.0 MB",
	}
	for n, want := range cases {
		if got := humanSize(n); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestRewriteBodyReplacesKnownRefsOnly(t *testing.T) {
	mime := "From: a@b\r\n\r\nSee quince:/media/a.txt and quince:/media/b.txt"
	got := rewriteBody(mime, map[string]string{"a.txt": "[a.txt — 1 B] -> /tmp/a.txt"})
	if want := "See [a.txt — 1 B] -> /tmp/a.txt and quince:/media/b.txt"; !contains(got, want) {
		t.Errorf("rewriteBody = %q, want substring %q", got, want)
	}
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}

func mustTouch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}
