// Package domain contains the canonical data model shared by the bridge:
// device state snapshots and deltas, control commands, and the JSON wire
// messages exchanged with dashboard sessions and with the upstream.
package domain
