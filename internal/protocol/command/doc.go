// Package command owns the command namespaces and their timing policy.
//
// Ownership boundary:
// - general/lidar/hub id namespaces, kept as distinct types
// - set-qualified Command identifiers and their names
// - the immutable per-command timeout Registry
package command
