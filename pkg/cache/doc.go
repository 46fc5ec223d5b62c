// Package cache is the external key/value surface the scheduler leans
// on: plain K/V with TTLs, sets, sorted sets and an atomic
// set-if-absent lock primitive.
//
// The bundled implementation runs on Badger. Sorted sets are laid out
// as score-encoded keys so that a prefix iteration pops members in
// score order without loading the whole set; scores use an
// order-preserving float64 encoding. Any backend honoring the Cache
// contract can stand in, including a networked store with server-side
// sorted sets.
package cache
