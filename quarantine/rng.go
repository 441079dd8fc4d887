package quarantine

import "time"

// insecurerand xorshift128+ generator for shuffling the quarantine
// list. Deliberately non-cryptographic, release ordering only needs to
// be unpredictable enough to break reuse heuristics, and the generator
// sits on the free hot path.
type insecurerand struct {
	a uint64
	b uint64
}

func newinsecurerand() insecurerand {
	seed := uint64(time.Now().UnixNano())
	return insecurerand{a: splitmix64(&seed), b: splitmix64(&seed)}
}

func splitmix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func (rnd *insecurerand) randuint64() uint64 {
	x, y := rnd.a, rnd.b
	rnd.a = y
	x ^= x << 23
	x ^= x >> 17
	x ^= y ^ (y >> 26)
	rnd.b = x
	return x + y
}

func (rnd *insecurerand) randuint32() uint32 {
	return uint32(rnd.randuint64())
}
