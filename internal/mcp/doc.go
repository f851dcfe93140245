// Package mcp exposes the rule base to coding assistants as an MCP server.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls the store and proposal service directly. Tools cover rule
// search, listing, the decision trail of a rule and federated contribution
// of new conventions.
package mcp
