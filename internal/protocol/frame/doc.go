// Package frame owns the control-channel wire format.
//
// Ownership boundary:
// - frame encode/decode with header and frame checksums
// - the 1536 byte frame bound
// - stream splitting for byte-oriented links
package frame
