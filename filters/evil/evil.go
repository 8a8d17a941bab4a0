// Package evil implements the supplemental bit-corruption filter
// (SPEC_FULL.md §12): cosmic-ray bit flips and stuck bits/wires, for
// exercising a client's error handling and data-integrity checks.
// Grounded directly on nbdkit's filters/evil/evil.c, read in full from
// original_source/.
package evil

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xzl01/nbdkit/chain"
	"github.com/xzl01/nbdkit/cos"
)

// Mode selects the corruption model (evil.c's enum mode).
type Mode int

const (
	CosmicRays Mode = iota
	StuckBits
	StuckWires
)

func (m Mode) String() string {
	switch m {
	case CosmicRays:
		return "cosmic-rays"
	case StuckBits:
		return "stuck-bits"
	case StuckWires:
		return "stuck-wires"
	default:
		return "unknown"
	}
}

func parseMode(s string) (Mode, error) {
	switch s {
	case "cosmic-rays", "cosmic":
		return CosmicRays, nil
	case "stuck-bits", "stuck-bit", "stuck":
		return StuckBits, nil
	case "stuck-wires", "stuck-wire":
		return StuckWires, nil
	default:
		return 0, errors.Errorf("evil: unknown mode: %s", s)
	}
}

// Probabilities below epsilon are treated as zero (avoids divide-by-zero
// and exploding interval computations); probabilities above maxP are
// treated as 100%, since corrupt_buffer's interval-skipping algorithm
// corrupts at most one bit per byte and cannot make progress otherwise.
const (
	epsilon = 1e-12
	maxP    = 1.0 / 8.0
)

type corruptionType int

const (
	flip corruptionType = iota
	stuck
)

// Config is the evil filter's tunables (evil/evil-mode, evil-probability,
// evil-seed, evil-stuck-probability).
type Config struct {
	Mode             Mode
	Probability      float64 // negative means "default for Mode", resolved in ConfigComplete
	StuckProbability float64
	Seed             uint32
	seedSet          bool
}

// DefaultConfig mirrors evil.c's static initializers.
func DefaultConfig() Config {
	return Config{Mode: StuckBits, Probability: -1, StuckProbability: 1.0}
}

// Filter holds the resolved configuration plus, for COSMIC_RAYS only,
// the shared mutable RNG state every connection corrupts through
// (evil.c's file-scope `static struct random_state state`).
type Filter struct {
	mu sync.Mutex
	cfg Config

	blockSize   uint64
	cosmicState *xorshift64star
}

// New builds the evil filter layer.
func New() *chain.Layer {
	f := &Filter{cfg: DefaultConfig()}
	return &chain.Layer{
		Name: "evil",

		Load: func() error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if !f.cfg.seedSet {
				f.cfg.Seed = uint32(time.Now().Unix())
			}
			return nil
		},

		Config: func(key, val string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			switch key {
			case "evil", "evil-mode":
				m, err := parseMode(val)
				if err != nil {
					return err
				}
				f.cfg.Mode = m
				return nil
			case "evil-probability":
				p, err := parseProbability("evil-probability", val)
				if err != nil {
					return err
				}
				f.cfg.Probability = p
				return nil
			case "evil-stuck-probability":
				p, err := parseProbability("evil-stuck-probability", val)
				if err != nil {
					return err
				}
				f.cfg.StuckProbability = p
				return nil
			case "evil-seed":
				n, err := parseUint32(val)
				if err != nil {
					return err
				}
				f.cfg.Seed = n
				f.cfg.seedSet = true
				return nil
			default:
				return errors.Errorf("evil: unrecognized config key %q", key)
			}
		},

		ConfigComplete: func() error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.cfg.Probability < 0 {
				switch f.cfg.Mode {
				case CosmicRays, StuckBits:
					f.cfg.Probability = 1e-8
				case StuckWires:
					f.cfg.Probability = 1e-6
				}
			}
			return nil
		},

		ThreadModel: func() chain.ThreadModel {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.cfg.Mode == CosmicRays {
				// Global shared RNG state needs request serialization.
				return chain.SerializeAllRequests
			}
			return chain.Parallel
		},

		GetReady: func() error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.cfg.Mode == CosmicRays {
				f.cosmicState = newXorshift64star(uint64(f.cfg.Seed))
			}
			if f.cfg.Probability < epsilon || f.cfg.Probability > maxP {
				f.blockSize = 1024 * 1024 // unused at this probability
			} else {
				f.blockSize = cos.NextPow2(uint64(100.0/f.cfg.Probability) / 8)
			}
			return nil
		},

		Open: func(nextOpen chain.NextOpen, readonly bool, exportName string) (any, *chain.Context, error) {
			next, err := nextOpen()
			if err != nil {
				return nil, nil, err
			}
			return chain.HandleNotNeeded, next, nil
		},

		Pread: func(ctx *chain.Context, buf []byte, offset uint64, flags chain.Flags) error {
			if err := chain.Pread(ctx.Next, buf, offset, flags); err != nil {
				return err
			}
			f.corrupt(buf, offset)
			return nil
		},
	}
}

func (f *Filter) corrupt(buf []byte, offset uint64) {
	f.mu.Lock()
	mode := f.cfg.Mode
	probability := f.cfg.Probability
	stuckProbability := f.cfg.StuckProbability
	blockSize := f.blockSize
	seed := f.cfg.Seed
	cosmic := f.cosmicState
	f.mu.Unlock()

	switch mode {
	case CosmicRays:
		// Shared global state: callers are serialized by ThreadModel.
		corruptBuffer(buf, 0, cosmic, flip, probability, stuckProbability)

	case StuckBits:
		bstart := offset &^ (blockSize - 1)
		for len(buf) > 0 {
			local := newXorshift64star(uint64(seed) + bstart)
			length := uint64(len(buf))
			if avail := bstart + blockSize - offset; avail < length {
				length = avail
			}
			corruptBuffer(buf[:length], offset-bstart, local, stuck, probability, stuckProbability)
			bstart += blockSize
			offset += length
			buf = buf[length:]
		}

	case StuckWires:
		local := newXorshift64star(uint64(seed))
		corruptBuffer(buf, 0, local, stuck, probability, stuckProbability)
	}
}

// corruptBuffer walks the block containing buf, choosing the interval to
// the next corrupted bit by drawing a uniform random number in
// [0, 2/P) bits. Exactly two random draws happen per iteration,
// whether or not the chosen offset lands inside buf, so a fixed seed
// reproduces identical corruption regardless of how a request is split
// (evil.c's corrupt_buffer, preserved control-flow-for-control-flow).
func corruptBuffer(buf []byte, offsetInBlock uint64, rs *xorshift64star, ct corruptionType, probability, stuckProbability float64) {
	if probability < epsilon {
		return
	}
	if probability > maxP {
		corruptAllBits(buf, rs, ct, stuckProbability)
		return
	}

	count := uint64(len(buf))
	invp2 := uint64(2.0 / probability)

	for offs := uint64(0); offs < offsetInBlock+count; {
		intvl := rs.next() % invp2
		randnum := rs.next() // always consumed, even if unused below

		offs += intvl / 8
		if offs >= offsetInBlock+count {
			break
		}
		if offs >= offsetInBlock {
			i := offs - offsetInBlock
			buf[i] = corruptOneBit(buf[i], uint(intvl&7), randnum, ct, stuckProbability)
		}
	}
}

func corruptAllBits(buf []byte, rs *xorshift64star, ct corruptionType, stuckProbability float64) {
	for i := range buf {
		b := buf[i]
		for bit := uint(0); bit < 8; bit++ {
			randnum := rs.next()
			b = corruptOneBit(b, bit, randnum, ct, stuckProbability)
		}
		buf[i] = b
	}
}

func corruptOneBit(b byte, bit uint, randnum uint64, ct corruptionType, stuckProbability float64) byte {
	mask := byte(1) << bit
	switch ct {
	case flip:
		b ^= mask
	case stuck:
		r32 := randnum & 0xffffffff
		if stuckProbability*float64(0x100000000) > float64(r32) {
			if randnum&1 != 0 {
				b |= mask
			} else {
				b &^= mask
			}
		}
	}
	return b
}

func parseProbability(key, val string) (float64, error) {
	p, err := parsePercentOrFloat(val)
	if err != nil {
		return 0, errors.Errorf("%s: invalid probability %q", key, val)
	}
	if p < 0 || p > 1 || math.IsNaN(p) {
		return 0, errors.Errorf("%s: probability out of range, should be [0..1]", key)
	}
	return p, nil
}
