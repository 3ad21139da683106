// Package privdrop drops from root to an unprivileged account once the
// raw ICMP socket and tun device are open, mirroring the setgid/
// setgroups/setuid sequence of the original tool's privs.c.
package privdrop

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// To drops the process's privileges to username. An empty username is a
// no-op, matching the CLI default of staying root when -u is omitted.
func To(username string) error {
	if username == "" {
		return nil
	}

	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("privdrop: lookup %s: %w", username, err)
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("privdrop: bad gid for %s: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("privdrop: bad uid for %s: %w", username, err)
	}

	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("privdrop: setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("privdrop: setgid: %w", err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("privdrop: setuid: %w", err)
	}

	return nil
}
