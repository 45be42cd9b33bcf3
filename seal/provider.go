package seal

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxKeyringSize bounds keyring files read from disk.
const maxKeyringSize = 1 << 20

// ErrKeyNotFound is returned by ByID when no generation matches.
var ErrKeyNotFound = errors.New("seal: key not found")

// Generate creates fresh random key material with a unique ID.
func Generate() (Material, error) {
	secret := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return Material{}, fmt.Errorf("generating key material: %w", err)
	}
	return Material{ID: uuid.NewString(), Secret: secret}, nil
}

// StaticProvider serves a single fixed generation. It cannot rotate; use
// it for tests or callers that manage key material themselves.
type StaticProvider struct {
	material Material
}

// NewStaticProvider wraps existing key material in a provider.
func NewStaticProvider(m Material) (*StaticProvider, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &StaticProvider{material: m}, nil
}

var _ KeyProvider = (*StaticProvider)(nil)

func (p *StaticProvider) Active(_ context.Context) (Material, error) {
	return p.material, nil
}

func (p *StaticProvider) ByID(_ context.Context, id string) (Material, error) {
	if id != p.material.ID {
		return Material{}, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return p.material, nil
}

func (p *StaticProvider) Rotate(_ context.Context) (Material, error) {
	return Material{}, errors.New("static key provider cannot rotate")
}

// keyringFile is the on-disk keyring layout. Secrets are base64 encoded.
type keyringFile struct {
	Version   int               `json:"version"`
	Active    string            `json:"active"`
	Keys      map[string]string `json:"keys"`
	UpdatedAt time.Time         `json:"updated_at"`
}

const keyringVersion = 1

// KeyringProvider stores key material in a local JSON file, written with
// owner-only permissions. Rotation appends a fresh generation and keeps
// prior ones resolvable, so blobs sealed under old keys stay readable
// until a rotation sweep re-seals them.
type KeyringProvider struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

// NewKeyringProvider returns a provider backed by the keyring file at
// path. The file must already exist; create one with Init.
func NewKeyringProvider(path string) *KeyringProvider {
	return &KeyringProvider{path: path, now: time.Now}
}

var _ KeyProvider = (*KeyringProvider)(nil)

// Init creates the keyring file with a single fresh generation. It fails
// if the file already exists.
func (p *KeyringProvider) Init(_ context.Context) (Material, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := os.Stat(p.path); err == nil {
		return Material{}, fmt.Errorf("keyring already exists at %s", p.path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Material{}, fmt.Errorf("checking keyring path: %w", err)
	}

	m, err := Generate()
	if err != nil {
		return Material{}, err
	}

	kr := keyringFile{
		Version:   keyringVersion,
		Active:    m.ID,
		Keys:      map[string]string{m.ID: base64.StdEncoding.EncodeToString(m.Secret)},
		UpdatedAt: p.now().UTC(),
	}
	if err := p.write(kr); err != nil {
		return Material{}, err
	}
	return m, nil
}

func (p *KeyringProvider) Active(_ context.Context) (Material, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kr, err := p.load()
	if err != nil {
		return Material{}, err
	}
	return kr.material(kr.Active)
}

func (p *KeyringProvider) ByID(_ context.Context, id string) (Material, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kr, err := p.load()
	if err != nil {
		return Material{}, err
	}
	return kr.material(id)
}

func (p *KeyringProvider) Rotate(_ context.Context) (Material, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kr, err := p.load()
	if err != nil {
		return Material{}, err
	}

	m, err := Generate()
	if err != nil {
		return Material{}, err
	}

	kr.Keys[m.ID] = base64.StdEncoding.EncodeToString(m.Secret)
	kr.Active = m.ID
	kr.UpdatedAt = p.now().UTC()

	if err := p.write(kr); err != nil {
		return Material{}, err
	}
	return m, nil
}

func (p *KeyringProvider) load() (keyringFile, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return keyringFile{}, fmt.Errorf("opening keyring: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxKeyringSize))
	if err != nil {
		return keyringFile{}, fmt.Errorf("reading keyring: %w", err)
	}

	var kr keyringFile
	if err := json.Unmarshal(data, &kr); err != nil {
		return keyringFile{}, fmt.Errorf("parsing keyring: %w", err)
	}
	if kr.Version != keyringVersion {
		return keyringFile{}, fmt.Errorf("unsupported keyring version %d", kr.Version)
	}
	if kr.Keys == nil {
		kr.Keys = map[string]string{}
	}
	return kr, nil
}

// write persists the keyring atomically: temp file in the same directory,
// fsync, then rename over the destination.
func (p *KeyringProvider) write(kr keyringFile) error {
	data, err := json.MarshalIndent(kr, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding keyring: %w", err)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".keyring-*")
	if err != nil {
		return fmt.Errorf("creating temp keyring: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("setting keyring permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("writing keyring: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing keyring: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing keyring: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing keyring: %w", err)
	}
	return nil
}

func (kr keyringFile) material(id string) (Material, error) {
	encoded, ok := kr.Keys[id]
	if !ok {
		return Material{}, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Material{}, fmt.Errorf("decoding key %s: %w", id, err)
	}
	m := Material{ID: id, Secret: secret}
	if err := m.Validate(); err != nil {
		return Material{}, fmt.Errorf("key %s: %w", id, err)
	}
	return m, nil
}
