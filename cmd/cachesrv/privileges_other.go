//go:build !unix

package main

import "fmt"

// dropPrivileges is unsupported on non-Unix platforms; it errors if the
// caller actually asked for privilege dropping instead of silently ignoring
// the request.
func dropPrivileges(username, groupname string) error {
	if username != "" || groupname != "" {
		return fmt.Errorf("dropping privileges via --user/--group is not supported on this platform")
	}
	return nil
}
