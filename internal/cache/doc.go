// Package cache maps image requests onto the on-disk cache tree and owns the
// only mutation the tree allows: write a private temp file, then rename it
// onto the canonical name. The directory layout is the index:
//
//	<root>/<collection>/<identifier>/<filename>             original blob
//	<root>/<collection>/<identifier>/<geometry>/<filename>  derived variant
//
// Entries are never deleted. Readers only ever observe absent or complete
// files because rename is the sole visibility change.
package cache
