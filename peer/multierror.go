package peer

import "github.com/hashicorp/go-multierror"

// appendErr accumulates independent connection-teardown failures
// instead of stopping at the first, the same aggregation
// cache eviction uses for backing-file removal failures.
func appendErr(merr error, err error) error {
	return multierror.Append(merr, err)
}
