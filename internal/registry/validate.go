package registry

import (
	"strings"
)

// LoopbackAlias collides with every interface on the same port.
const LoopbackAlias = "localhost"

// MinSecretLen is the minimum length of API keys and passwords.
const MinSecretLen = 4

// Validate checks a single record in isolation.
func Validate(c Client) error {
	if !IsSafeName(c.Name) {
		return invalid("name", "allowed [A-Za-z0-9._-] and no '..'")
	}
	if c.Binary != "" && !IsSafeName(c.Binary) {
		return invalid("binary", "allowed [A-Za-z0-9._-] and no '..'")
	}
	if c.APIKey != "" && len(c.APIKey) < MinSecretLen {
		return invalid("api_key", "must be at least 4 characters")
	}
	iface := strings.TrimSpace(c.Interface)
	switch {
	case iface == "" && c.Port != 0:
		return invalid("interface", "port set without interface")
	case iface != "" && (c.Port <= 0 || c.Port > 65535):
		return invalid("port", "must be between 1 and 65535")
	case iface != "" && c.APIKey == "":
		return invalid("api_key", "required when an interface is configured")
	case iface == "" && c.HTTPS:
		return invalid("https", "requires an interface")
	}
	return nil
}

// CheckUnique validates c against the full current list. Records with c.ID are
// skipped so that modify can keep its own name and interface.
func CheckUnique(existing []Client, c Client) error {
	for _, o := range existing {
		if c.ID != "" && o.ID == c.ID {
			continue
		}
		if o.Name == c.Name {
			return &ValidationError{Field: "name", Err: ErrDuplicateName}
		}
		if InterfacesCollide(o.Interface, o.Port, c.Interface, c.Port) {
			return &ValidationError{Field: "interface", Err: ErrDuplicateInterface}
		}
	}
	return nil
}

// InterfacesCollide reports whether two listening endpoints conflict: same port and
// either the same interface or one side bound to the loopback alias.
func InterfacesCollide(aIface string, aPort int, bIface string, bPort int) bool {
	if aIface == "" || bIface == "" || aPort != bPort {
		return false
	}
	a := strings.ToLower(strings.TrimSpace(aIface))
	b := strings.ToLower(strings.TrimSpace(bIface))
	return a == b || a == LoopbackAlias || b == LoopbackAlias
}

// IsSafeName validates names used in filesystem paths and process names.
// Allowed characters: A-Z a-z 0-9 . _ - and no consecutive dots forming "..".
func IsSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
