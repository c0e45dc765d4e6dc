package transport

import (
	"context"
	"fmt"
	"strings"
)

// Permission is a runtime grant required for BLE discovery.
type Permission string

const (
	FineLocation     Permission = "ACCESS_FINE_LOCATION"
	BluetoothScan    Permission = "BLUETOOTH_SCAN"
	BluetoothConnect Permission = "BLUETOOTH_CONNECT"
)

// ScanPermissions are the grants that must all be held before scanning.
var ScanPermissions = []Permission{FineLocation, BluetoothScan, BluetoothConnect}

// PermissionRequester asks the platform for grants and reports the result
// per permission.
type PermissionRequester interface {
	Request(ctx context.Context, perms []Permission) (map[Permission]bool, error)
}

// GrantAll is the requester for platforms without runtime BLE permissions.
type GrantAll struct{}

func (GrantAll) Request(_ context.Context, perms []Permission) (map[Permission]bool, error) {
	out := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		out[p] = true
	}
	return out, nil
}

// StaticPermissions answers from a fixed table; missing entries are denied.
type StaticPermissions map[Permission]bool

func (s StaticPermissions) Request(_ context.Context, perms []Permission) (map[Permission]bool, error) {
	out := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		out[p] = s[p]
	}
	return out, nil
}

// RequireAll requests perms and fails with ErrPermissionDenied unless every
// one is granted. A partial grant counts as a denial.
func RequireAll(ctx context.Context, r PermissionRequester, perms []Permission) error {
	if r == nil {
		r = GrantAll{}
	}
	granted, err := r.Request(ctx, perms)
	if err != nil {
		return fmt.Errorf("transport: request permissions: %v: %w", err, ErrPermissionDenied)
	}
	var missing []string
	for _, p := range perms {
		if !granted[p] {
			missing = append(missing, string(p))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("transport: missing %s: %w", strings.Join(missing, ", "), ErrPermissionDenied)
	}
	return nil
}
