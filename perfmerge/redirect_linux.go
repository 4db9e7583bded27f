//go:build linux

package perfmerge

import "github.com/microsoft/one-collect-sub000/perfring"

// RedirectOutput redirects source's event to write its records into
// leader's ring instead of its own, per spec
// section 4.4's leader topology and section 6's redirect-output ioctl.
func RedirectOutput(leader, source *perfring.Ring) error {
	return source.RedirectOutputTo(leader)
}
