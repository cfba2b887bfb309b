package guillotina

import "strings"

const (
	// MaxOIDLength is the longest oid the objects table accepts.
	MaxOIDLength = 64
	// OIDDelimiter separates locality prefixes from the random suffix. It sorts after
	// all alphanumerics so a parent's keys range-scan ahead of its children's.
	OIDDelimiter = "|"
	// RootOID is the conventional oid of the tree root.
	RootOID = "00000000000000000000000000000000"
	// TrashedOID is the parent_id given to soft deleted objects.
	TrashedOID = "DDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD"

	oidPrefixLength = 3
)

// GenerateOID builds a new oid for obj from its ancestry.
//
// Every non-root ancestor contributes the first three characters of its own oid,
// outermost first; an annotation also contributes its owner's prefix. The random
// suffix is a UUID4 in hex. Ids longer than MaxOIDLength keep only their rightmost
// characters, which drops the outermost locality prefixes of very deep trees but
// never the suffix. Ancestors without an oid contribute nothing.
func GenerateOID(obj Object) string {
	var parts []string
	for parent := obj.Parent(); parent != nil; parent = parent.Parent() {
		if !hasParent(parent) || parent.OID() == "" {
			continue
		}
		parts = append(parts, shortOID(parent.OID()))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	if of := obj.Of(); of != nil && of.OID() != "" {
		parts = append(parts, shortOID(of.OID()))
	}

	suffix := NewUUID().Hex()
	if len(parts) == 0 {
		return suffix
	}
	oid := strings.Join(parts, OIDDelimiter) + OIDDelimiter + suffix
	if len(oid) > MaxOIDLength {
		oid = oid[len(oid)-MaxOIDLength:]
	}
	return oid
}

// hasParent also accepts a parent known only by oid, as on objects loaded from storage
// whose parent was not materialized.
func hasParent(obj Object) bool {
	return obj.Parent() != nil || obj.ParentOID() != ""
}

func shortOID(oid string) string {
	if len(oid) > oidPrefixLength {
		return oid[:oidPrefixLength]
	}
	return oid
}
