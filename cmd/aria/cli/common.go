package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/felixgeelhaar/aria/internal/credential"
	"github.com/felixgeelhaar/aria/internal/identity"
	"github.com/felixgeelhaar/aria/internal/store"
)

const authSecretKey = "auth.secret"

func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".aria")
}

func getStore() store.Storage {
	s, err := store.NewSQLiteStore(filepath.Join(resolveDataDir(), "users.db"))
	if err != nil {
		fmt.Printf("Failed to init store: %v\n", err)
		os.Exit(1)
	}
	return s
}

// openGate loads the token signing secret from the store, minting and
// persisting one on first run. The secret is encrypted at rest with the
// machine key, so tokens issued here only verify on this machine's gateway.
func openGate(s store.Storage, creds *credential.Manager) (*identity.Gate, error) {
	stored, err := s.GetConfig(authSecretKey)
	if err != nil {
		return nil, err
	}
	if stored == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		secret := hex.EncodeToString(buf)
		enc, err := creds.Encrypt(secret)
		if err != nil {
			return nil, err
		}
		if err := s.SetConfig(authSecretKey, enc); err != nil {
			return nil, err
		}
		return identity.NewGate([]byte(secret)), nil
	}

	secret := stored
	if credential.IsEncrypted(stored) {
		secret, err = creds.Decrypt(stored)
		if err != nil {
			return nil, err
		}
	}
	return identity.NewGate([]byte(secret)), nil
}

// localGate opens the store and gate for offline token commands. The caller
// owns closing the returned store.
func localGate() (*identity.Gate, store.Storage) {
	s := getStore()
	creds, err := credential.NewManager()
	if err != nil {
		s.Close()
		fmt.Printf("Failed to init credential manager: %v\n", err)
		os.Exit(1)
	}
	gate, err := openGate(s, creds)
	if err != nil {
		s.Close()
		fmt.Printf("Failed to init token gate: %v\n", err)
		os.Exit(1)
	}
	return gate, s
}

func secretConfig(s store.Storage, creds *credential.Manager, key string) (string, error) {
	val, err := s.GetConfig(key)
	if err != nil {
		return "", err
	}
	if credential.IsEncrypted(val) {
		return creds.Decrypt(val)
	}
	return val, nil
}
