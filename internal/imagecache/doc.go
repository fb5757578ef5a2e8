// Package imagecache hosts the tiered single-flight cache coordinator. It
// owns an in-memory map from derived resource keys to fetch states, collapses
// concurrent requests for the same uncached URL into one upstream fetch, and
// drives the fetch → decode → resident → encode → persist → evict pipeline
// that migrates artifacts from the volatile in-memory tier into the durable
// on-disk store. The map mutex guards only lookups and transitions, never
// network or disk I/O, so requests for unrelated keys never serialize behind
// one another. Keep exports narrow: collaborators arrive through the Options
// struct and everything else stays internal to the state machine.
package imagecache
