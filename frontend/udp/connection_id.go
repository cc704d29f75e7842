package udp

import (
	"crypto/hmac"
	"encoding/binary"
	"hash"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"inet.af/netaddr"
)

// extentLength is the width of the rolling time window a connection ID is
// bound to. A cookie remains valid for two consecutive extents — the one it
// was minted in and the one before it — giving a (2, 4] minute validity
// window without the generator ever storing per-connection state.
const extentLength = 2 * time.Minute

// extentOf returns the rolling window index that now falls into.
func extentOf(now time.Time) int64 {
	return now.Unix() / int64(extentLength/time.Second)
}

// NewConnectionID creates an 8-byte connection identifier for UDP packets as
// described by BEP 15.
// This is a wrapper around creating a new ConnectionIDGenerator and generating
// an ID. It is recommended to use the generator for performance.
func NewConnectionID(ip netaddr.IP, now time.Time, secret []byte) []byte {
	return NewConnectionIDGenerator(secret).Generate(ip, now)
}

// ValidConnectionID determines whether a connection identifier is legitimate.
// This is a wrapper around creating a new ConnectionIDGenerator and validating
// the ID. It is recommended to use the generator for performance.
func ValidConnectionID(connectionID []byte, ip netaddr.IP, now time.Time, secret []byte) bool {
	return NewConnectionIDGenerator(secret).Validate(connectionID, ip, now)
}

// A ConnectionIDGenerator is a reusable generator and validator for connection
// IDs as described in BEP 15.
// It is not thread safe, but is safe to be pooled and reused by other
// goroutines. It manages its state itself, so it can be taken from and returned
// to a pool without any cleanup.
// After initial creation, it can generate connection IDs without allocating.
// See Generate and Validate for usage notes and guarantees.
type ConnectionIDGenerator struct {
	// mac is a keyed HMAC that can be reused for subsequent connection ID
	// generations. The key is the process-lifetime secret; it is never
	// persisted and never leaves the process.
	mac hash.Hash

	// scratch is a scratchpad for the generated HMAC sums.
	scratch []byte
}

func hashfn() hash.Hash { return xxhash.New() }

// NewConnectionIDGenerator creates a new connection ID generator keyed by
// secret, the process-lifetime cookie secret.
func NewConnectionIDGenerator(secret []byte) *ConnectionIDGenerator {
	return &ConnectionIDGenerator{
		mac:     hmac.New(hashfn, secret),
		scratch: make([]byte, 0, 32),
	}
}

// reset resets the generator.
// This is called by other methods of the generator, it's not necessary to call
// it after getting a generator from a pool.
func (g *ConnectionIDGenerator) reset() {
	g.mac.Reset()
	g.scratch = g.scratch[:0]
}

// cookie computes the keyed hash of (ip ‖ extent) and returns its 8-byte
// prefix, the connection ID for ip during that extent.
func (g *ConnectionIDGenerator) cookie(ip netaddr.IP, extent int64) []byte {
	g.reset()

	ipBytes, err := ip.MarshalBinary()
	if err != nil {
		panic("netaddr.IP.MarshalBinary() returned an error: " + err.Error())
	}
	g.mac.Write(ipBytes)

	var extentBytes [8]byte
	binary.BigEndian.PutUint64(extentBytes[:], uint64(extent))
	g.mac.Write(extentBytes[:])

	g.scratch = g.mac.Sum(g.scratch)
	return g.scratch[:8]
}

// Generate generates an 8-byte connection ID as described in BEP 15 for the
// given IP and the current time.
//
// The ID is the 64-bit prefix of a keyed hash of the source IP address and
// the current two-minute extent; it carries no plaintext timestamp. The
// generator holds no per-connection state, so any number of IDs can be
// generated without growing memory.
//
// The returned slice aliases the generator's scratch buffer and must not be
// referenced after the generator is returned to a pool, or across a
// subsequent call to Generate or Validate.
func (g *ConnectionIDGenerator) Generate(ip netaddr.IP, now time.Time) []byte {
	id := g.cookie(ip, extentOf(now))

	log.Debug().
		Stringer("ip", ip).
		Stringer("now", now).
		Bytes("connID", id).
		Msg("generated connection ID")
	return id
}

// Validate validates the given connection ID for an IP and the current time.
//
// A connection ID is accepted iff it matches the cookie computed for ip in
// either the current extent or the immediately preceding one, giving every
// issued ID a validity window of more than two and at most four minutes.
func (g *ConnectionIDGenerator) Validate(connectionID []byte, ip netaddr.IP, now time.Time) bool {
	current := extentOf(now)

	valid := hmac.Equal(g.cookie(ip, current), connectionID) ||
		hmac.Equal(g.cookie(ip, current-1), connectionID)

	log.Debug().
		Stringer("ip", ip).
		Stringer("now", now).
		Bytes("connID", connectionID).
		Bool("valid", valid).
		Msg("validated connection ID")
	return valid
}
