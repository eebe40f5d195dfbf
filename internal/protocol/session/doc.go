// Package session owns host-side request tracking on the control channel.
//
// Ownership boundary:
// - outstanding request table (register/complete/cancel/expire)
// - timeout scheduler and retry policy
// - ack/message dispatch of received frames
//
// Every outstanding request is resolved exactly once: by its ack, by its
// final timeout, or by cancellation.
package session
