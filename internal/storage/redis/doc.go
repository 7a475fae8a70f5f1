// Package redis opens the go-redis client shared by the Redis-backed request
// store and delivery queue.
package redis
