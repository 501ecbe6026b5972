// Package mcp implements the client side of the Model Context Protocol:
// the transports that carry JSON-RPC 2.0 to a capability provider, the
// session that performs the handshake and exposes tools, resources and
// prompts, and the catalog that turns a provider's tool listing into
// function definitions for the completion API.
//
// Three transports are supported: stdio (a spawned subprocess, typically
// a container started with "docker run --rm -i"), streamable HTTP, and
// websocket. All of them satisfy [Transport], so a [Session] behaves the
// same whichever one it is bound to.
//
// A session is opened with [Connect] and released with [Session.Close],
// or scoped with [WithSession], which guarantees that the session ends
// before its transport closes on every exit path.
package mcp
