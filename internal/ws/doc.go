// Package ws provides WebSocket session handling and the event envelope for
// worker connections.
//
// The package implements:
//   - Hub: tracks every open session, confirmed or not
//   - Client: one session with its bounded send queue
//   - Handler: upgrades requests and runs the read/write pumps with keepalive
//   - Service: ties a Hub and a Handler together for the manager
//
// Every frame is a JSON envelope {"event": ..., "data": ...} in both directions.
package ws
