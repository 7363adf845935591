// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics for the client connection. The driver and the facade
// record counters here; Client.Stats exposes a snapshot.
package control
