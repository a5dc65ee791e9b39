// Package redis keeps per-agent decision context in Redis hashes so that
// context survives daemon restarts and is shared by every process that
// coordinates the same agents.
package redis
