package cache

import (
	"strings"
)

// KeySeparator joins a namespace and a logical key.
const KeySeparator = ":"

// QualifyKey builds the physical storage key for a logical key.
// Format: namespace:logicalKey
//
// Example:
//
//	QualifyKey("api", "users:1") == "api:users:1"
func QualifyKey(namespace, key string) string {
	return namespace + KeySeparator + key
}

// LogicalKey strips the namespace from a physical key.
// The second result is false if the key does not belong to namespace.
func LogicalKey(namespace, physical string) (string, bool) {
	prefix := namespace + KeySeparator
	if !strings.HasPrefix(physical, prefix) {
		return "", false
	}
	return physical[len(prefix):], true
}

// InNamespace reports whether physical belongs to namespace.
func InNamespace(namespace, physical string) bool {
	return strings.HasPrefix(physical, namespace+KeySeparator)
}
