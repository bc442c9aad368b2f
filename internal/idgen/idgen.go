package idgen

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/jxskiss/base62"
)

// Generator hands out unique broker order ids. The seed separates
// sessions, the counter separates orders inside a session.
type Generator struct {
	prefix  string
	seed    uint32
	counter atomic.Uint64
}

func New(prefix string, seed uint32) *Generator {
	return &Generator{prefix: prefix, seed: seed}
}

// NewSession seeds the generator from the wall clock.
func NewSession(prefix string) *Generator {
	return New(prefix, uint32(time.Now().Unix()))
}

// Next returns the next id, e.g. "rc" followed by the base62 encoding of
// seed and counter.
func (g *Generator) Next() string {
	n := g.counter.Add(1)
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[:4], g.seed)
	binary.BigEndian.PutUint64(buf[4:], n)
	return g.prefix + base62.EncodeToString(buf[:])
}

// Count returns how many ids were issued.
func (g *Generator) Count() uint64 {
	return g.counter.Load()
}
