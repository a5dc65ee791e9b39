// Package agent defines the trading agent contract the coordinator calls and
// a ChainAgent implementation that reasons with an LLM over read-only chain
// data. Trades are recorded as paper executions; signing and broadcasting
// stay outside this package.
package agent
