// Package keyring provides secure storage for management passwords.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"

	"github.com/yllada/openvpn-monitor/common"
)

// ErrNotFound is returned when no password is stored for a connection.
var ErrNotFound = common.ErrCredentialsNotFound

// argon2id parameters for the local file key.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	kdfKeyLen  = 32
)

// Store keeps management passwords keyed by connection id.
// It implements common.CredentialStore.
type Store struct {
	service string

	mu       sync.RWMutex
	useLocal bool
	local    map[string]string
	file     string
	key      []byte
}

// New probes the system keyring and falls back to an encrypted file in
// dataDir when it is not usable.
func New(dataDir string) *Store {
	s := &Store{service: common.KeyringService}

	// Try system keyring first
	testKey := common.KeyringService + "-test-init"
	if err := keyring.Set(s.service, testKey, "test"); err == nil {
		_ = keyring.Delete(s.service, testKey)
		s.file = filepath.Join(dataDir, common.CredentialsFileName)
		return s
	}

	common.LogWarn("System keyring unavailable, storing passwords in an encrypted file")
	s.initLocal(filepath.Join(dataDir, common.CredentialsFileName))
	return s
}

// NewLocal returns a Store backed only by the encrypted file at path.
func NewLocal(path string) *Store {
	s := &Store{service: common.KeyringService}
	s.initLocal(path)
	return s
}

// initLocal switches to the file backend. Callers serialize access.
func (s *Store) initLocal(path string) {
	s.useLocal = true
	s.file = path
	_ = os.MkdirAll(filepath.Dir(path), 0700)

	// Derive the file key from machine-specific data
	hostname, _ := os.Hostname()
	keyData := fmt.Sprintf("%s-%s-%s-%d", common.KeyringService, hostname, getMachineID(), os.Getuid())
	s.key = argon2.IDKey([]byte(keyData), []byte(common.KeyringService), kdfTime, kdfMemory, kdfThreads, kdfKeyLen)

	s.local = make(map[string]string)
	s.loadLocal()
}

// UsesLocalStorage reports whether the encrypted file backend is active.
func (s *Store) UsesLocalStorage() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.useLocal
}

func getMachineID() string {
	// Try to read machine-id
	data, err := os.ReadFile("/etc/machine-id")
	if err == nil {
		return strings.TrimSpace(string(data))
	}
	// Fallback
	return "default-machine-id"
}

func (s *Store) loadLocal() {
	data, err := os.ReadFile(s.file)
	if err != nil {
		return
	}

	decrypted, err := s.decrypt(data)
	if err != nil {
		common.LogWarn("Ignoring unreadable credentials file %s: %v", s.file, err)
		return
	}

	_ = json.Unmarshal(decrypted, &s.local)
}

// saveLocal writes the file. s.mu must be held.
func (s *Store) saveLocal() error {
	data, err := json.Marshal(s.local)
	if err != nil {
		return err
	}

	encrypted, err := s.encrypt(data)
	if err != nil {
		return err
	}

	return os.WriteFile(s.file, encrypted, 0600)
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Store saves the management password for a connection.
func (s *Store) Store(connectionID, password string) error {
	if connectionID == "" {
		return errors.New("connection ID cannot be empty")
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.useLocal {
		err := keyring.Set(s.service, connectionID, password)
		if err == nil {
			return nil
		}
		// Fallback to local storage
		common.LogWarn("System keyring write failed, falling back to file: %v", err)
		s.initLocal(s.file)
	}

	s.local[connectionID] = password
	if err := s.saveLocal(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

// Get retrieves the management password for a connection.
func (s *Store) Get(connectionID string) (string, error) {
	if connectionID == "" {
		return "", errors.New("connection ID cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.useLocal {
		password, exists := s.local[connectionID]
		if !exists {
			return "", ErrNotFound
		}
		return password, nil
	}

	password, err := keyring.Get(s.service, connectionID)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return password, nil
}

// Delete removes the management password for a connection.
func (s *Store) Delete(connectionID string) error {
	if connectionID == "" {
		return errors.New("connection ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.useLocal {
		if err := keyring.Delete(s.service, connectionID); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
		}
		return nil
	}

	delete(s.local, connectionID)
	return s.saveLocal()
}

// Exists checks if a password is stored for a connection.
func (s *Store) Exists(connectionID string) bool {
	_, err := s.Get(connectionID)
	return err == nil
}
