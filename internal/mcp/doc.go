// Package mcp implements the client side of MCP (Model Context Protocol):
// one Client per configured server, and a Manager that owns every
// session, aggregates the servers' tools, prompts and resources into
// flat registries, and routes each name back to the server that owns it.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (subprocess) and
// streamable HTTP. Only the client half of the protocol is implemented;
// the research server in this module is built on the official SDK.
package mcp
