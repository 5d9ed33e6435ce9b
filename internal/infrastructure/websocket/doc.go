// Package websocket provides the WebSocket transport for graylink
// connections.
//
// A WebSocket is a plain message pipe. Link therefore treats the dialled
// URI as the only topic: publishes ignore their topic and are written as
// text frames, arrivals are reported with the URI as topic, and
// subscribe and unsubscribe succeed locally while the socket is open.
//
// Each open socket has one read pump and one write pump. Frames are
// written in publish order. Liveness is probed with ping control frames
// through Ping, which the keep-alive scheduler drives.
//
// A socket closed by the peer, or failing on read, is reported through
// ConnectionLost. Sockets closed through Disconnect or Close are not.
package websocket
