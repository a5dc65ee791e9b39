// Package web3 houses read-only blockchain connectivity: chain definitions
// loaded from YAML, an EVM client and a registry that picks the default
// chain for the trading agent.
package web3
