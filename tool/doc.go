// Package tool connects the gateway to external tool providers.
//
// The package is split by concern:
//   - spec: provider specs and the transport kinds they select
//   - provider: one live MCP connection with its cached tool list
//   - aggregator: concurrent startup of every provider and the merged catalog
//   - health: scheduled liveness probes of configured providers
//
// Wire-level MCP messaging lives in the mcp subpackage.
package tool
