package main

import "github.com/rivetkit-go/rivetkit/driver"

// managerDriver composes the gorm-backed identity store with the
// runner-registry-backed transport into one driver.Driver, the shape both
// the gateway and the manager HTTP API depend on. Embedding both interfaces
// promotes their methods directly, so managerDriver needs no bodies of its
// own beyond construction.
type managerDriver struct {
	driver.Identity
	driver.Transport
}

var _ driver.Driver = (*managerDriver)(nil)
