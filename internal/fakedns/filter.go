package fakedns

import "strings"

// filter matches domains against three pattern kinds:
//
//	full:example.com     exact name only
//	domain:example.com   the name and any subdomain
//	keyword:example      substring anywhere in the name
//
// A bare pattern means domain:. Suffix patterns live in a reversed-label
// trie so a lookup walks at most the label count of the queried name.
type filter struct {
	full     map[string]struct{}
	trie     *trieNode
	keywords []string
	count    int
}

type trieNode struct {
	children map[string]*trieNode
	terminal bool
}

func newFilter() *filter {
	return &filter{
		full: make(map[string]struct{}),
		trie: &trieNode{},
	}
}

// add inserts one pattern. Empty values are ignored.
func (f *filter) add(pattern string) {
	kind, value := splitPattern(pattern)
	value = canonicalDomain(value)
	if value == "" {
		return
	}
	switch kind {
	case "full":
		f.full[value] = struct{}{}
	case "keyword":
		f.keywords = append(f.keywords, value)
	default: // "domain" and anything unrecognized
		f.insertSuffix(value)
	}
	f.count++
}

func (f *filter) size() int { return f.count }

// match reports whether the canonical domain hits any pattern. Priority
// does not matter here; a hit is a hit.
func (f *filter) match(domain string) bool {
	if _, ok := f.full[domain]; ok {
		return true
	}
	if f.lookupSuffix(domain) {
		return true
	}
	for _, kw := range f.keywords {
		if strings.Contains(domain, kw) {
			return true
		}
	}
	return false
}

func (f *filter) insertSuffix(domain string) {
	labels := strings.Split(domain, ".")
	node := f.trie
	for i := len(labels) - 1; i >= 0; i-- {
		if node.children == nil {
			node.children = make(map[string]*trieNode)
		}
		child, ok := node.children[labels[i]]
		if !ok {
			child = &trieNode{}
			node.children[labels[i]] = child
		}
		node = child
	}
	node.terminal = true
}

func (f *filter) lookupSuffix(domain string) bool {
	labels := strings.Split(domain, ".")
	node := f.trie
	for i := len(labels) - 1; i >= 0; i-- {
		child, ok := node.children[labels[i]]
		if !ok {
			return false
		}
		if child.terminal {
			return true
		}
		node = child
	}
	return false
}

// splitPattern separates the "kind:value" form, defaulting to domain.
func splitPattern(pattern string) (kind, value string) {
	if k, v, ok := strings.Cut(pattern, ":"); ok {
		return strings.ToLower(strings.TrimSpace(k)), v
	}
	return "domain", pattern
}

// canonicalDomain lowercases and strips the trailing root dot.
func canonicalDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
