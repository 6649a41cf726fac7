package manifest

import (
	"strings"
	"testing"
)

func TestParseBasicEntries(t *testing.T) {
	input := `# a comment
dir /etc 0755 0 0
slink /bin/sh 0777 0 0 /bin/bash
file /etc/hosts 0644 0 0
file /etc/empty 0644 0 0

nod /dev/null 0666 0 0 c 1 3
pipe /run/fifo 0600 0 0
sock /run/sock 0600 0 0
link /bin/sh2 0000 0 0 /bin/sh
`
	entries, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse failed: %s", err)
	}
	if len(entries) != 8 {
		t.Fatalf("expected 8 entries, got %d", len(entries))
	}

	if entries[0].Kind != Dir || entries[0].Path != "etc" || entries[0].Mode != 0o755 {
		t.Errorf("unexpected dir entry: %+v", entries[0])
	}
	if entries[1].Kind != Slink || entries[1].Extra != "/bin/bash" {
		t.Errorf("unexpected slink entry: %+v", entries[1])
	}
	if entries[2].Kind != File || entries[2].Extra != "etc/hosts" {
		t.Errorf("expected file with default source path, got %+v", entries[2])
	}
	if entries[4].Kind != Nod || entries[4].DevType != DevChar || entries[4].DevMajor != 1 || entries[4].DevMinor != 3 {
		t.Errorf("unexpected nod entry: %+v", entries[4])
	}
	if entries[7].Kind != Link || entries[7].Extra != "/bin/sh" {
		t.Errorf("unexpected link entry: %+v", entries[7])
	}
}

func TestParseQuotedPath(t *testing.T) {
	entries, err := Parse(strings.NewReader(`file "path with spaces" 0644 0 0`))
	if err != nil {
		t.Fatalf("Parse failed: %s", err)
	}
	if entries[0].Path != "path with spaces" {
		t.Errorf("expected quoted path preserved, got %q", entries[0].Path)
	}
}

func TestParseGlobWithOptions(t *testing.T) {
	entries, err := Parse(strings.NewReader(`glob /data * * * -type d -xdev -name "*.txt" -- srcdir`))
	if err != nil {
		t.Fatalf("Parse failed: %s", err)
	}
	e := entries[0]
	if e.Kind != Glob {
		t.Fatalf("expected glob entry, got %v", e.Kind)
	}
	if e.GlobFlags&GlobKeepMode == 0 || e.GlobFlags&GlobKeepUID == 0 || e.GlobFlags&GlobKeepGID == 0 {
		t.Errorf("expected keep-mode/uid/gid flags set, got %v", e.GlobFlags)
	}
	if e.GlobFlags&GlobNoDir != 0 {
		t.Errorf("expected -type d to permit directories, got %v", e.GlobFlags)
	}
	if e.GlobFlags&GlobOneFilesystem == 0 {
		t.Errorf("expected -xdev to set one-filesystem, got %v", e.GlobFlags)
	}
	if e.NamePattern != "*.txt" {
		t.Errorf("expected name pattern *.txt, got %q", e.NamePattern)
	}
	if e.Extra != "srcdir" {
		t.Errorf("expected remaining root 'srcdir', got %q", e.Extra)
	}
}

func TestParseRejectsUnknownKeyword(t *testing.T) {
	_, err := Parse(strings.NewReader("bogus /x 0644 0 0\n"))
	if err == nil {
		t.Fatal("expected error for unknown keyword")
	}
}

func TestParseRejectsRootForDisallowedKind(t *testing.T) {
	_, err := Parse(strings.NewReader(`slink / 0777 0 0 /target` + "\n"))
	if err == nil {
		t.Fatal("expected error using / for a keyword that disallows root")
	}
}

func TestParseRejectsBadMode(t *testing.T) {
	_, err := Parse(strings.NewReader("dir /etc 99999 0 0\n"))
	if err == nil {
		t.Fatal("expected error for out-of-range mode")
	}
}

func TestParseCollapsesRepeatedSlashes(t *testing.T) {
	entries, err := Parse(strings.NewReader("dir /etc//foo///bar 0755 0 0\n"))
	if err != nil {
		t.Fatalf("Parse failed: %s", err)
	}
	if entries[0].Path != "etc/foo/bar" {
		t.Errorf("expected collapsed path %q, got %q", "etc/foo/bar", entries[0].Path)
	}
}

func TestParseRejectsDotDotEscape(t *testing.T) {
	_, err := Parse(strings.NewReader("dir /etc/../../escaped 0755 0 0\n"))
	if err == nil {
		t.Fatal("expected error for .. path component")
	}
}

func TestParseSkipsBlankAndCommentLines(t *testing.T) {
	entries, err := Parse(strings.NewReader("\n# hello\n\ndir /a 0755 0 0\n"))
	if err != nil {
		t.Fatalf("Parse failed: %s", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}
