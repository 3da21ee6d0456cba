// Package cache provides the bounded TTL cache that sits in front of the
// Instagram client.
//
// Entries expire a fixed TTL after they were written and are never returned
// after that. Capacity is bounded; inserting into a full cache evicts one
// entry, an expired one if available, otherwise the least recently used.
// A janitor started with Run keeps memory from holding dead entries between
// lookups.
package cache
