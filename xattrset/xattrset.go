// Package xattrset computes xattr key/value overlays for a scanned tree: an
// xattr-map file's path-pattern rules and/or an SELinux file_contexts
// style label file, applied depth-first over the tree the same way
// relabel_tree_dfs walks fs->root.
//
// Storing these attributes in the SquashFS xattr table itself is out of
// this module's scope (see SPEC_FULL.md); Compute returns the resolved
// per-path attribute set so a caller can do whatever it needs with it
// (log it, feed a future xattr table writer, etc).
package xattrset

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
)

// Rule is one line of an xattr-map file: a path-glob pattern plus the
// key=value pair to apply to every matching node.
type Rule struct {
	Pattern string
	Key     string
	Value   string
}

// ParseXattrMap reads an xattr-map file: lines of "<glob> <key>=<value>",
// blank lines and '#' comments ignored.
func ParseXattrMap(r io.Reader) ([]Rule, error) {
	scanner := bufio.NewScanner(r)
	var rules []Rule
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("xattrset: line %d: expected \"<glob> <key>=<value>\"", lineNum)
		}
		kv := strings.SplitN(fields[1], "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("xattrset: line %d: expected key=value, got %q", lineNum, fields[1])
		}
		rules = append(rules, Rule{Pattern: fields[0], Key: kv[0], Value: kv[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// ContextRule is one line of an SELinux file_contexts file: a path regular
// expression plus the security context string to assign.
type ContextRule struct {
	Pattern *regexp.Regexp
	Context string
}

// ParseFileContexts reads a file_contexts style label file: lines of
// "<regex> <context>", blank lines and '#' comments ignored. Later rules
// win on conflicting matches, mirroring file_contexts' last-match-wins
// convention.
func ParseFileContexts(r io.Reader) ([]ContextRule, error) {
	scanner := bufio.NewScanner(r)
	var rules []ContextRule
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("xattrset: line %d: expected \"<regex> <context>\"", lineNum)
		}
		re, err := regexp.Compile(fields[0])
		if err != nil {
			return nil, fmt.Errorf("xattrset: line %d: bad pattern %q: %w", lineNum, fields[0], err)
		}
		rules = append(rules, ContextRule{Pattern: re, Context: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// TreeNode is the minimal view Compute needs of a tree node: its path and
// children, independent of scanner.Node so this package doesn't import it.
type TreeNode interface {
	NodePath() string
	NodeChildren() []TreeNode
}

// Compute walks root depth-first (matching relabel_tree_dfs) and returns
// each visited path's resolved xattr set: xattrRules contribute key=value
// pairs for every glob match, and the last matching contextRules entry (if
// any) additionally sets "security.selinux".
func Compute(root TreeNode, xattrRules []Rule, contextRules []ContextRule) map[string]map[string]string {
	out := make(map[string]map[string]string)
	var walk func(n TreeNode)
	walk = func(n TreeNode) {
		p := n.NodePath()
		attrs := resolveNode(p, xattrRules, contextRules)
		if len(attrs) > 0 {
			out[p] = attrs
		}
		for _, c := range n.NodeChildren() {
			walk(c)
		}
	}
	walk(root)
	return out
}

func resolveNode(p string, xattrRules []Rule, contextRules []ContextRule) map[string]string {
	attrs := make(map[string]string)
	for _, rule := range xattrRules {
		if ok, _ := path.Match(rule.Pattern, p); ok {
			attrs[rule.Key] = rule.Value
		}
	}

	var context string
	for _, rule := range contextRules {
		if rule.Pattern.MatchString("/" + p) {
			context = rule.Context
		}
	}
	if context != "" {
		attrs["security.selinux"] = context
	}

	if len(attrs) == 0 {
		return nil
	}
	return attrs
}
