// Package afbws implements the client side of the binder's x-afb-ws-json1
// websocket protocol.
//
// Frames are JSON arrays whose first element selects the frame kind:
//
//	[2, "callid", "api/verb", args]    call
//	[3, "callid", replyEnvelope]       reply for a successful call
//	[4, "callid", replyEnvelope]       reply for a failed call
//	[5, "api/event", eventEnvelope]    event push
//
// Client correlates calls with replies by call ID and exposes pushed events
// as a channel. EventLoop layers the per-test event dispatch semantics on
// top of that channel: named streams, draining, and exactly-once teardown.
package afbws
