// Package connection implements the game connection core.
//
// It composes three pieces:
//   - Client / SSEClient: transport adapters owning the socket or
//     event stream, heartbeat, and outbound sanitization
//   - Manager: the orchestrator that drives the adapters from the
//     lifecycle state machine's decisions and forwards deduplicated
//     game events to the subscriber
//   - Registry: scoped resource tracking so every timer and socket is
//     released on disconnect, session switch, and shutdown
package connection
