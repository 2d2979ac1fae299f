package core

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Key provisioning modes.
const (
	KeyModeEphemeral = "ephemeral"
	KeyModePersist   = "persist"
	KeyModeProvided  = "provided"
)

// Identity is a node's key pair and the peer ID derived from it.
type Identity struct {
	PrivKey crypto.PrivKey
	PubKey  crypto.PubKey
	ID      peer.ID
}

// KeyProvider supplies the node identity.
type KeyProvider interface {
	Identity() (*Identity, error)
}

// KeyConfig selects how keys are provisioned.
type KeyConfig struct {
	Mode     string
	Path     string
	Provided crypto.PrivKey
}

// NewKeyProvider returns the provider for cfg.Mode.
func NewKeyProvider(cfg KeyConfig) (KeyProvider, error) {
	switch cfg.Mode {
	case "", KeyModeEphemeral:
		return ephemeralKeys{}, nil
	case KeyModePersist:
		if cfg.Path == "" {
			return nil, ConfigError("key path is required in persist mode")
		}
		return fileKeys{path: cfg.Path}, nil
	case KeyModeProvided:
		if cfg.Provided == nil {
			if cfg.Path == "" {
				return nil, ConfigError("provided key mode needs a key or a key path")
			}
			return fileKeys{path: cfg.Path, mustExist: true}, nil
		}
		return providedKey{priv: cfg.Provided}, nil
	default:
		return nil, ConfigError(fmt.Sprintf("unknown key mode %q", cfg.Mode))
	}
}

// NewIdentity derives an identity from a private key.
func NewIdentity(priv crypto.PrivKey) (*Identity, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	return &Identity{PrivKey: priv, PubKey: priv.GetPublic(), ID: id}, nil
}

// GenerateIdentity creates a fresh Ed25519 identity.
func GenerateIdentity() (*Identity, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewIdentity(priv)
}

type ephemeralKeys struct{}

func (ephemeralKeys) Identity() (*Identity, error) {
	return GenerateIdentity()
}

type providedKey struct {
	priv crypto.PrivKey
}

func (p providedKey) Identity() (*Identity, error) {
	return NewIdentity(p.priv)
}

// fileKeys loads the key at path, generating and saving one if absent.
type fileKeys struct {
	path      string
	mustExist bool
}

func (f fileKeys) Identity() (*Identity, error) {
	priv, err := LoadPrivateKey(f.path)
	if err == nil {
		return NewIdentity(priv)
	}
	if !errors.Is(err, fs.ErrNotExist) || f.mustExist {
		return nil, err
	}
	ident, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := SavePrivateKey(f.path, ident.PrivKey); err != nil {
		return nil, err
	}
	return ident, nil
}

// SavePrivateKey writes priv in the libp2p protobuf key serialization.
func SavePrivateKey(path string, priv crypto.PrivKey) error {
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadPrivateKey reads a key written by SavePrivateKey.
func LoadPrivateKey(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal key %s: %w", path, err)
	}
	return priv, nil
}
