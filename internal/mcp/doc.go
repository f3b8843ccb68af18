// Package mcp exposes the learning engine as Model Context Protocol tools.
//
// Agents notify new strands, read injected context for a consumer, and
// inspect promotion state over the stdio transport. The server never
// writes braids; promotion stays with the learning engine.
package mcp
