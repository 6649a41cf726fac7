package sortfile

import (
	"strings"
	"testing"
)

func TestParseAndPriority(t *testing.T) {
	tbl, err := Parse(strings.NewReader(`
# comment
bin/init 100
/etc/passwd 50
lib/libc.so 50
`))
	if err != nil {
		t.Fatalf("Parse failed: %s", err)
	}

	if p := tbl.Priority("bin/init"); p != 100 {
		t.Errorf("expected priority 100, got %d", p)
	}
	if p := tbl.Priority("/etc/passwd"); p != 50 {
		t.Errorf("expected priority 50 for etc/passwd, got %d", p)
	}
	if p := tbl.Priority("unlisted"); p != DefaultPriority {
		t.Errorf("expected default priority for unlisted path, got %d", p)
	}
}

func TestSortOrdersByDescendingPriorityStably(t *testing.T) {
	tbl, err := Parse(strings.NewReader("a 10\nb 10\nc 20\n"))
	if err != nil {
		t.Fatalf("Parse failed: %s", err)
	}

	paths := []string{"z", "a", "b", "c"}
	tbl.Sort(paths)

	want := []string{"c", "a", "b", "z"}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, paths)
		}
	}
}

func TestParseRejectsMalformedLine(t *testing.T) {
	_, err := Parse(strings.NewReader("onlyonefield\n"))
	if err == nil {
		t.Fatal("expected error for malformed line")
	}
}
