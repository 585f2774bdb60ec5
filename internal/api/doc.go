// Package api serves the bridge over HTTP.
//
// Computers connect with a WebSocket upgrade on the device path ("/" by
// default, which otherwise answers a plain-text liveness line). Operators use
// the JSON endpoints under /api/v1:
//
//	GET  /api/v1/health              liveness and dependency status
//	GET  /api/v1/metrics             runtime, link and sink metrics
//	GET  /api/v1/computer            active link status
//	POST /api/v1/computer/commands   {"line": "...", "verify": false}
//	POST /api/v1/computer/update     ask the computer for its state
//	PUT  /api/v1/computer/label      {"label": "...", "verify": false}
//	GET  /api/v1/computers           every stored update
//	GET  /api/v1/computers/{key}     one stored update by identity key
//
// The server follows the same lifecycle pattern as the infrastructure packages:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// There is no authentication; the bridge is meant for a trusted LAN.
package api
