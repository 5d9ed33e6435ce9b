// Package link defines the contract between a managed connection and the
// transport client that talks to the remote endpoint.
//
// Two transports implement it: a broker protocol client (MQTT) and a
// socket channel (WebSocket used as a simplified pub/sub pipe). Every
// operation returns a *Token that completes exactly once with the result,
// replacing per-call listener objects. Unsolicited events (arrivals,
// connection loss, connect completion) are delivered to a Handler.
package link
