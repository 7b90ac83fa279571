// Command cloudvol drives the connector from the shell: it opens objects the
// same way HDF5 would, through the VOL callback table.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(nil).Execute(); err != nil {
		os.Exit(1)
	}
}
