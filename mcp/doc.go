// Package mcp implements the server side of the Model Context Protocol (MCP), following
// the 2024-11-05 revision of https://spec.modelcontextprotocol.io/specification/.
//
// A Server is built from a ServerTransport (StdIO or SSEServer) and the capability
// implementations it should expose: ToolServer, ResourceServer, PromptServer and
// LogHandler. Each connected client gets its own session; requests in a session are
// served concurrently and may be cancelled by the client.
package mcp
