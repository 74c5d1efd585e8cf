// Package connection manages live MCP client connections to remote servers.
//
// A Manager owns one logical connection: it builds the transport (SSE or
// streamable HTTP), drives the connect / authorize / reconnect state
// machine, and wraps tool operations with token-refresh-and-retry. Managers
// are ephemeral; the durable truth is the session record, and a Rehydrator
// can rebuild a working manager from that record in any process.
package connection
