// Package tokenmint issues the single-use verification tokens that gate every
// privileged step of extension loading.
//
// A token is an instance hash bound to a bit. The mint keeps one table keyed
// by bit and by its complement; verifying a token consumes the whole table.
// Misuse wipes the table and trips the guard.
package tokenmint

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"

	"github.com/rcourtman/extension-manager/internal/guard"
)

// Bits is a minted pair. Counter is always the bitwise complement of Bit.
type Bits struct {
	Counter int64
	Bit     int64
}

// Token is an issued instance hash and the bits it was issued for.
type Token struct {
	Instance string
	Bits     Bits
}

// Zero reports whether t carries nothing.
func (t Token) Zero() bool {
	return t.Instance == "" && t.Bits == (Bits{})
}

var errExhausted = errors.New("tokenmint: unable to mint a non-zero bit")

// reseedPrimes replace a state that collapsed to zero.
var reseedPrimes = []uint64{2, 3, 5, 7, 11, 13}

// Mint is process-local and must not be copied.
type Mint struct {
	mu     sync.Mutex
	guard  *guard.Guard
	random io.Reader
	logger zerolog.Logger

	secret []byte
	state  uint64
	seeded bool
	table  map[int64]string
}

// Option configures a Mint.
type Option func(*Mint)

// WithRandom replaces crypto/rand as the entropy source.
func WithRandom(r io.Reader) Option {
	return func(m *Mint) { m.random = r }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Mint) { m.logger = l }
}

// New creates a mint bound to g.
func New(g *guard.Guard, opts ...Option) (*Mint, error) {
	m := &Mint{
		guard:  g,
		random: rand.Reader,
		logger: zerolog.Nop(),
		table:  make(map[int64]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.secret = make([]byte, 32)
	if _, err := io.ReadFull(m.random, m.secret); err != nil {
		return nil, fmt.Errorf("tokenmint: read secret: %w", err)
	}
	return m, nil
}

// MintPair advances the generator and returns the next pair.
func (m *Mint) MintPair() (Bits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard.Err(); err != nil {
		return Bits{}, err
	}
	return m.nextLocked()
}

// IssueInstance issues the instance hash for bit. When a hash already
// exists for the complement of bit the call verifies instead: the two table
// entries must agree or the mint wipes itself and trips the guard. A
// successful verification returns the hash and erases the table.
func (m *Mint) IssueInstance(bit int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard.Err(); err != nil {
		return "", err
	}
	return m.issueLocked(bit)
}

// Issue mints a pair and issues its instance in one step.
func (m *Mint) Issue() (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard.Err(); err != nil {
		return Token{}, err
	}
	bits, err := m.nextLocked()
	if err != nil {
		return Token{}, err
	}
	inst, err := m.issueLocked(bits.Bit)
	if err != nil {
		return Token{}, err
	}
	return Token{Instance: inst, Bits: bits}, nil
}

// Verify consumes t. It returns true only for a live token issued by this
// mint; success erases every outstanding token. t is zeroed either way.
func (m *Mint) Verify(t *Token) bool {
	if t == nil {
		return false
	}
	instance, bit := t.Instance, t.Bits.Bit
	*t = Token{}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.guard.Tripped() || bit == 0 {
		return false
	}
	have, ok := m.table[bit]
	if !ok {
		return false
	}
	if pair, ok := m.table[^bit]; !ok || subtle.ConstantTimeCompare([]byte(pair), []byte(have)) != 1 {
		_ = m.violationLocked("instance table diverged")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(have), []byte(instance)) != 1 {
		return false
	}
	clear(m.table)
	return true
}

// MustVerify is Verify where failure is a protocol violation.
func (m *Mint) MustVerify(t *Token) error {
	if m.Verify(t) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violationLocked("verification failed")
}

// YieldChain verifies seed and then yields count fresh tokens. Each token
// must be verified before the next one is requested; an unverified
// predecessor is a protocol violation. A failed seed yields nothing.
func (m *Mint) YieldChain(count int, seed *Token) iter.Seq[Token] {
	return func(yield func(Token) bool) {
		if err := m.MustVerify(seed); err != nil {
			m.logger.Debug().Err(err).Msg("Verification chain refused")
			return
		}

		var prev int64
		for i := 0; i < count; i++ {
			tok, err := m.chainStep(prev)
			if err != nil {
				m.logger.Debug().Err(err).Int("step", i).Msg("Verification chain broken")
				return
			}
			prev = tok.Bits.Bit
			if !yield(tok) {
				return
			}
		}
	}
}

func (m *Mint) chainStep(prev int64) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard.Err(); err != nil {
		return Token{}, err
	}
	if prev != 0 {
		if _, live := m.table[prev]; live {
			return Token{}, m.violationLocked("chain element used before verification")
		}
	}
	bits, err := m.nextLocked()
	if err != nil {
		return Token{}, err
	}
	inst, err := m.issueLocked(bits.Bit)
	if err != nil {
		return Token{}, err
	}
	return Token{Instance: inst, Bits: bits}, nil
}

// Outstanding returns the number of live table entries. Test helper.
func (m *Mint) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}

func (m *Mint) nextLocked() (Bits, error) {
	if !m.seeded {
		var seed [8]byte
		if _, err := io.ReadFull(m.random, seed[:]); err != nil {
			return Bits{}, fmt.Errorf("tokenmint: read seed: %w", err)
		}
		m.state = binary.LittleEndian.Uint64(seed[:])
		m.seeded = true
	}

	for attempt := 0; ; attempt++ {
		m.state = advance(m.state)
		if bit := int64(m.state >> 1); bit != 0 {
			return Bits{Counter: ^bit, Bit: bit}, nil
		}
		if attempt >= len(reseedPrimes) {
			return Bits{}, errExhausted
		}
		m.state = reseedPrimes[attempt]
	}
}

// advance is xorshift64: a bijection on non-zero states.
func advance(x uint64) uint64 {
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	return x
}

func (m *Mint) issueLocked(bit int64) (string, error) {
	if bit == 0 {
		return "", m.violationLocked("zero bit")
	}
	if pair, ok := m.table[^bit]; ok {
		have, ok := m.table[bit]
		if !ok || subtle.ConstantTimeCompare([]byte(pair), []byte(have)) != 1 {
			return "", m.violationLocked("instance mismatch")
		}
		clear(m.table)
		return have, nil
	}

	inst, err := m.hashLocked(bit)
	if err != nil {
		return "", err
	}
	m.table[bit] = inst
	m.table[^bit] = inst
	return inst, nil
}

func (m *Mint) hashLocked(bit int64) (string, error) {
	salt := make([]byte, 32)
	kdf := hkdf.New(sha256.New, m.secret, nil, []byte("instance-"+strconv.FormatInt(bit, 10)))
	if _, err := io.ReadFull(kdf, salt); err != nil {
		return "", fmt.Errorf("tokenmint: derive salt: %w", err)
	}
	sample := make([]byte, 16)
	if _, err := io.ReadFull(m.random, sample); err != nil {
		return "", fmt.Errorf("tokenmint: read sample: %w", err)
	}

	mac := hmac.New(sha256.New, salt)
	fmt.Fprintf(mac, "%d\\%x\\%d", ^bit, sample, bit)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (m *Mint) violationLocked(reason string) error {
	clear(m.table)
	return m.guard.Trip(reason)
}
