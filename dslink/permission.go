package dslink

import (
	"fmt"
	"strings"
)

// Permission is ordered: config > write > read > never.
type Permission int

const (
	PermissionNever Permission = iota
	PermissionRead
	PermissionWrite
	PermissionConfig
)

var permissionNames = [...]string{"never", "read", "write", "config"}

func (self Permission) String() string {
	if self < PermissionNever || PermissionConfig < self {
		return "never"
	}
	return permissionNames[self]
}

// Allows is true when a requester holding `self` may act on something that requires `required`.
// `never` is never satisfied.
func (self Permission) Allows(required Permission) bool {
	if required == PermissionNever {
		return false
	}
	return required <= self
}

func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(s) {
	case "never", "none":
		return PermissionNever, nil
	case "read":
		return PermissionRead, nil
	case "write":
		return PermissionWrite, nil
	case "config":
		return PermissionConfig, nil
	default:
		return PermissionNever, fmt.Errorf("unknown permission: %q", s)
	}
}

// declaredPermission interprets a request `permit`. An omitted permit does not cap the
// request, so it is treated as the highest level.
func declaredPermission(permit string) (Permission, error) {
	if permit == "" {
		return PermissionConfig, nil
	}
	return ParsePermission(permit)
}
