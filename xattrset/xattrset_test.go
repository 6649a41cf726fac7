package xattrset

import (
	"strings"
	"testing"
)

type fakeNode struct {
	path     string
	children []*fakeNode
}

func (n *fakeNode) NodePath() string { return n.path }
func (n *fakeNode) NodeChildren() []TreeNode {
	out := make([]TreeNode, len(n.children))
	for i, c := range n.children {
		out[i] = c
	}
	return out
}

func TestParseXattrMap(t *testing.T) {
	rules, err := ParseXattrMap(strings.NewReader(`
# comment
bin/* user.exec=1
etc/shadow user.sensitive=true
`))
	if err != nil {
		t.Fatalf("ParseXattrMap failed: %s", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].Pattern != "bin/*" || rules[0].Key != "user.exec" || rules[0].Value != "1" {
		t.Errorf("unexpected rule 0: %+v", rules[0])
	}
}

func TestParseFileContexts(t *testing.T) {
	rules, err := ParseFileContexts(strings.NewReader(`
/bin/.* system_u:object_r:bin_t:s0
/etc/passwd system_u:object_r:passwd_file_t:s0
`))
	if err != nil {
		t.Fatalf("ParseFileContexts failed: %s", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
}

func TestComputeAppliesRulesDepthFirst(t *testing.T) {
	root := &fakeNode{path: "", children: []*fakeNode{
		{path: "bin"},
		{path: "bin/ls"},
		{path: "etc/passwd"},
	}}

	xattrRules, err := ParseXattrMap(strings.NewReader("bin/* user.exec=1\n"))
	if err != nil {
		t.Fatalf("ParseXattrMap failed: %s", err)
	}
	ctxRules, err := ParseFileContexts(strings.NewReader("^/bin/.* system_u:object_r:bin_t:s0\n"))
	if err != nil {
		t.Fatalf("ParseFileContexts failed: %s", err)
	}

	attrs := Compute(root, xattrRules, ctxRules)

	ls := attrs["bin/ls"]
	if ls == nil {
		t.Fatal("expected attrs for bin/ls")
	}
	if ls["user.exec"] != "1" {
		t.Errorf("expected user.exec=1, got %q", ls["user.exec"])
	}
	if ls["security.selinux"] != "system_u:object_r:bin_t:s0" {
		t.Errorf("expected selinux context, got %q", ls["security.selinux"])
	}

	if _, ok := attrs["etc/passwd"]; ok {
		t.Errorf("expected no attrs for etc/passwd, got %+v", attrs["etc/passwd"])
	}
}

func TestLastMatchingContextRuleWins(t *testing.T) {
	root := &fakeNode{path: "a"}
	ctxRules, err := ParseFileContexts(strings.NewReader("^/a$ ctx_one:s0\n^/a$ ctx_two:s0\n"))
	if err != nil {
		t.Fatalf("ParseFileContexts failed: %s", err)
	}
	attrs := Compute(root, nil, ctxRules)
	if attrs["a"]["security.selinux"] != "ctx_two:s0" {
		t.Errorf("expected last rule to win, got %q", attrs["a"]["security.selinux"])
	}
}
