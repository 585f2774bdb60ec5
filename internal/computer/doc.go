// Package computer bridges one ComputerCraft computer to the rest of CC Bridge.
//
// A computer connects over a WebSocket; the api package adapts the socket to
// a Transport and hands it to Bridge.Serve. The bridge keeps at most one
// active Link: the newest connection wins, and a stale close never clears a
// newer link.
//
// Wire protocol:
//
//	outbound  {"type":"command","id":"...","command":"move","args":["forward","3"],"timestamp":1718000000000}
//	outbound  getUpdate
//	inbound   {"type":"update","computerName":"Turtle","computerId":7,...}
//	inbound   {"type":"response","id":"...","ok":true}
//	inbound   true
//
// Each inbound frame is classified once by the link's read loop and given to
// one consumer: the oldest armed one-shot Listener, otherwise by kind. Updates
// go to the Ingestor, responses and bare confirmations to the pending request
// they resolve, and anything else is logged and dropped.
//
// Every wait is bounded by the configured response timeout and returns
// ErrTimeout on expiry. Closing a link fails all of its waiters with
// ErrConnectionClosed.
package computer
