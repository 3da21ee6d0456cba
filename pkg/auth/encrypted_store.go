package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// EnvPassphrase overrides the generated passphrase for the encrypted store
const EnvPassphrase = "IGPROXY_PASSPHRASE"

const (
	vaultVersion    = 2
	saltLen         = 32
	keyLen          = 32
	kdfRounds       = 100000
	passphraseFile  = ".passphrase"
	vaultFileMode   = 0600
	vaultDirMode    = 0700
	generatedSecret = 32
)

var errUnsupportedVault = errors.New("unsupported credentials file version")

// vaultFile is what lands on disk. Sealed is nonce||ciphertext of the JSON
// encoded sessions map.
type vaultFile struct {
	Version   int       `json:"version"`
	Salt      []byte    `json:"salt"`
	Sealed    []byte    `json:"sealed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// sessions is the decrypted content of a vault, keyed by account username
type sessions map[string]Account

// EncryptedFileStore keeps session cookies for every account in one
// AES-GCM sealed file. The key comes from PBKDF2-SHA256 over a passphrase
// taken from IGPROXY_PASSPHRASE or from a generated .passphrase file
// next to the vault.
type EncryptedFileStore struct {
	path       string
	passphrase []byte

	mu sync.Mutex
}

// NewEncryptedFileStore opens (lazily) the vault at path
func NewEncryptedFileStore(path string) (*EncryptedFileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, vaultDirMode); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	passphrase, err := loadPassphrase(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get passphrase: %w", err)
	}

	return &EncryptedFileStore{path: path, passphrase: passphrase}, nil
}

// Store saves or replaces the session for account.Username
func (e *EncryptedFileStore) Store(account *Account) error {
	if account == nil || account.Username == "" {
		return ErrInvalidCredentials
	}
	return e.update(func(s sessions) error {
		s[account.Username] = *account
		return nil
	})
}

// Retrieve returns the stored session for username
func (e *EncryptedFileStore) Retrieve(username string) (*Account, error) {
	if username == "" {
		return nil, ErrInvalidCredentials
	}

	e.mu.Lock()
	s, _, err := e.open()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	account, ok := s[username]
	if !ok {
		return nil, ErrCredentialsNotFound
	}
	return &account, nil
}

// List returns every stored account ordered by username
func (e *EncryptedFileStore) List() ([]*Account, error) {
	e.mu.Lock()
	s, _, err := e.open()
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	accounts := make([]*Account, 0, len(s))
	for _, account := range s {
		account := account
		accounts = append(accounts, &account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Username < accounts[j].Username
	})
	return accounts, nil
}

// Delete drops the session for username. The vault file goes away with its
// last account.
func (e *EncryptedFileStore) Delete(username string) error {
	if username == "" {
		return ErrInvalidCredentials
	}
	return e.update(func(s sessions) error {
		if _, ok := s[username]; !ok {
			return ErrCredentialsNotFound
		}
		delete(s, username)
		return nil
	})
}

// Exists reports whether username has a readable session
func (e *EncryptedFileStore) Exists(username string) bool {
	_, err := e.Retrieve(username)
	return err == nil
}

// update runs fn against the decrypted sessions and persists the result
func (e *EncryptedFileStore) update(fn func(sessions) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, salt, err := e.open()
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}

	if len(s) == 0 {
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove credentials file: %w", err)
		}
		return nil
	}
	return e.seal(s, salt)
}

// open reads and decrypts the vault. A missing file is an empty vault with
// no salt yet.
func (e *EncryptedFileStore) open() (sessions, []byte, error) {
	raw, err := os.ReadFile(e.path)
	if os.IsNotExist(err) {
		return sessions{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var vf vaultFile
	if err := json.Unmarshal(raw, &vf); err != nil {
		return nil, nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if vf.Version != vaultVersion {
		return nil, nil, fmt.Errorf("%w: %d", errUnsupportedVault, vf.Version)
	}

	aead, err := e.cipherFor(vf.Salt)
	if err != nil {
		return nil, nil, err
	}
	n := aead.NonceSize()
	if len(vf.Sealed) < n {
		return nil, nil, errors.New("credentials file is truncated")
	}
	plain, err := aead.Open(nil, vf.Sealed[:n], vf.Sealed[n:], nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt credentials (wrong passphrase?): %w", err)
	}

	s := sessions{}
	if err := json.Unmarshal(plain, &s); err != nil {
		return nil, nil, fmt.Errorf("failed to parse sessions: %w", err)
	}
	return s, vf.Salt, nil
}

// seal encrypts s and atomically replaces the vault. A nil salt means the
// vault is new and gets a fresh one.
func (e *EncryptedFileStore) seal(s sessions, salt []byte) error {
	if salt == nil {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	plain, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}

	aead, err := e.cipherFor(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	raw, err := json.MarshalIndent(vaultFile{
		Version:   vaultVersion,
		Salt:      salt,
		Sealed:    aead.Seal(nonce, nonce, plain, nil),
		UpdatedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials file: %w", err)
	}

	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, raw, vaultFileMode); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return os.Rename(tmp, e.path)
}

func (e *EncryptedFileStore) cipherFor(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(e.passphrase, salt, kdfRounds, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// loadPassphrase prefers IGPROXY_PASSPHRASE, then dir/.passphrase, and
// otherwise writes a freshly generated one there
func loadPassphrase(dir string) ([]byte, error) {
	if pass := os.Getenv(EnvPassphrase); pass != "" {
		return []byte(pass), nil
	}

	path := filepath.Join(dir, passphraseFile)
	if saved, err := os.ReadFile(path); err == nil && len(saved) > 0 {
		return saved, nil
	}

	secret := make([]byte, generatedSecret)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate passphrase: %w", err)
	}
	pass := []byte(base64.RawURLEncoding.EncodeToString(secret))
	if err := os.WriteFile(path, pass, vaultFileMode); err != nil {
		return nil, fmt.Errorf("failed to save passphrase: %w", err)
	}
	return pass, nil
}
