package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/boardkit/boardkit/board"
)

// ErrInsecurePermissions is returned when the identity file has overly
// permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("identity file has insecure permissions")

// identityFile is the TOML shape of the credential file.
type identityFile struct {
	Identity struct {
		ID string `toml:"id"`
	} `toml:"identity"`
}

// IdentityPaths returns the standard identity file locations in order
// of priority.
func IdentityPaths() []string {
	paths := []string{"identity.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "boardkit", "identity.toml"))
		paths = append(paths, filepath.Join(home, ".boardkit", "identity.toml"))
	}
	return paths
}

// NewIdentity mints a fresh identity with a role prefix, e.g.
// "worker-550e8400-e29b-41d4-a716-446655440000".
func NewIdentity(role string) board.Identity {
	if role == "" {
		role = "agent"
	}
	return board.Identity(role + "-" + uuid.NewString())
}

// LoadIdentity resolves the caller's identity. Priority:
// BOARDKIT_IDENTITY, then BOARDKIT_IDENTITY_FILE, then the first
// available standard location. No identity anywhere returns the
// unclaimed sentinel with no error; callers decide whether that is
// fatal.
func LoadIdentity() (board.Identity, string, error) {
	if id := os.Getenv(EnvIdentity); id != "" {
		return board.Identity(id), "", nil
	}
	if path := os.Getenv(EnvIdentityFile); path != "" {
		id, err := LoadIdentityFile(path)
		return id, path, err
	}
	for _, path := range IdentityPaths() {
		if _, err := os.Stat(path); err == nil {
			id, err := LoadIdentityFile(path)
			return id, path, err
		}
	}
	return board.Unclaimed, "", nil
}

// LoadIdentityFile reads an identity from a specific file.
// Returns ErrInsecurePermissions unless the file is mode 0400.
func LoadIdentityFile(path string) (board.Identity, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return board.Unclaimed, err
		}
		mode := info.Mode().Perm()
		if mode != 0400 {
			return board.Unclaimed, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var file identityFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return board.Unclaimed, err
	}
	if file.Identity.ID == "" {
		return board.Unclaimed, fmt.Errorf("no identity in %s", path)
	}
	return board.Identity(file.Identity.ID), nil
}

// SaveIdentityFile writes an identity credential with mode 0400.
// Refuses to overwrite an existing file: the identity is the key to
// an account's accrued balance.
func SaveIdentityFile(path string, id board.Identity) error {
	if id == board.Unclaimed {
		return fmt.Errorf("refusing to save empty identity")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; remove it first to mint a new identity", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	content := fmt.Sprintf("[identity]\nid = %q\n", string(id))
	if err := os.WriteFile(path, []byte(content), 0400); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
