// Package scope implements per-principal namespacing of vector tags and
// chain tags (C6). Every function here is pure and non-suspending.
package scope

import (
	"strings"
	"unicode"
)

// ScopeVectorTag namespaces tagsString under principal for storage in the
// vector collection's payload. Absent principal returns tagsString unchanged.
func ScopeVectorTag(principal, tagsString string) string {
	if principal == "" {
		return tagsString
	}
	return principal + "|" + tagsString
}

// ScopeChainTags namespaces tagsString for the on-chain tags field. Absent
// principal returns tagsString unchanged.
func ScopeChainTags(principal, tagsString string) string {
	if principal == "" {
		return tagsString
	}
	return tagsString + "," + "principal:" + principal
}

// IsOwnedBy reports whether a hit carrying the given scoped tag belongs to
// principal. An absent principal means the caller has no scope restriction,
// so every hit is owned.
func IsOwnedBy(hitTags string, principal string) bool {
	if principal == "" {
		return true
	}
	return strings.HasPrefix(hitTags, principal+"|")
}

// ValidatePrincipal reports whether p is well-formed: non-empty, and free of
// the `|`, `,`, and whitespace characters used as scope delimiters.
func ValidatePrincipal(p string) bool {
	if p == "" {
		return false
	}
	if strings.ContainsAny(p, "|,") {
		return false
	}
	for _, r := range p {
		if unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// UnscopeVectorTag strips a principal's "principal|" prefix from a scoped
// vector tag, returning the tag unchanged if it carries no such prefix. It is
// the left inverse ScopeVectorTag needs for R3's round-trip property.
func UnscopeVectorTag(principal, scoped string) string {
	if principal == "" {
		return scoped
	}
	prefix := principal + "|"
	return strings.TrimPrefix(scoped, prefix)
}
