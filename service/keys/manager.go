// Package keys owns the active signing keypair. Keys live in process
// memory only.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrInvalidKeyFormat is returned when an imported secret does not
	// decode to a valid 64-byte ed25519 keypair.
	ErrInvalidKeyFormat = errors.New("invalid key format")

	ErrNoActiveKey = errors.New("no active keypair")
)

// Keypair is an activated signing key. Generation increases every time the
// manager's active key changes, so holders can tell whether the key they
// captured is still current.
type Keypair struct {
	PrivateKey solana.PrivateKey
	Generation uint64
}

// PublicKey returns the address of the keypair.
func (k Keypair) PublicKey() solana.PublicKey {
	return k.PrivateKey.PublicKey()
}

// EncodedSecret returns the base58 form accepted by Import.
func (k Keypair) EncodedSecret() string {
	return k.PrivateKey.String()
}

// Manager holds the active keypair. The zero value is not usable; call
// NewManager.
type Manager struct {
	mu         sync.RWMutex
	active     *Keypair
	generation uint64
	listeners  []func(Keypair)
	logger     *slog.Logger
}

// NewManager creates a manager with no active key.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Generate creates a fresh random keypair and makes it active.
func (m *Manager) Generate() (Keypair, error) {
	pk, err := solana.NewRandomPrivateKey()
	if err != nil {
		return Keypair{}, fmt.Errorf("failed to generate keypair: %w", err)
	}
	kp := m.activate(pk)
	m.logger.Info("generated new keypair", "public_key", kp.PublicKey().String(), "generation", kp.Generation)
	return kp, nil
}

// Import decodes a base58 encoded 64-byte secret and makes it active. On
// failure the current key is left untouched.
func (m *Manager) Import(encodedSecret string) (Keypair, error) {
	pk, err := DecodeSecret(encodedSecret)
	if err != nil {
		return Keypair{}, err
	}
	kp := m.activate(pk)
	m.logger.Info("imported keypair", "public_key", kp.PublicKey().String(), "generation", kp.Generation)
	return kp, nil
}

// Active returns the current keypair.
func (m *Manager) Active() (Keypair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return Keypair{}, ErrNoActiveKey
	}
	return *m.active, nil
}

// Generation returns the generation of the active key, 0 if none.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// OnChange registers fn to run after every key change. Listeners run
// synchronously in registration order, outside the manager lock.
func (m *Manager) OnChange(fn func(Keypair)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) activate(pk solana.PrivateKey) Keypair {
	m.mu.Lock()
	m.generation++
	kp := Keypair{PrivateKey: pk, Generation: m.generation}
	m.active = &kp
	listeners := append([]func(Keypair){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(kp)
	}
	return kp
}

// DecodeSecret parses a base58 secret key. The 64 bytes must be an ed25519
// seed followed by the public key derived from it.
func DecodeSecret(encoded string) (solana.PrivateKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: secret key is empty", ErrInvalidKeyFormat)
	}
	pk, err := solana.PrivateKeyFromBase58(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	if len(pk) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: secret key must be %d bytes, got %d", ErrInvalidKeyFormat, ed25519.PrivateKeySize, len(pk))
	}
	derived := ed25519.NewKeyFromSeed(pk[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], pk[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("%w: public half does not match the seed", ErrInvalidKeyFormat)
	}
	return pk, nil
}
