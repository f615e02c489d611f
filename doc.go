// Package mcp implements the server side of the Model Context Protocol (MCP) used by harpMCP.
// It carries the JSON-RPC 2.0 message schema, a Server that dispatches requests to
// PromptServer, ResourceServer and ToolServer implementations, and two transports:
// StdIO for newline-delimited JSON over a reader/writer pair and SSEServer for
// Server-Sent Events with HTTP POST back-channel.
//
// The protocol follows https://spec.modelcontextprotocol.io/specification/ at revision
// 2024-11-05.
package mcp
