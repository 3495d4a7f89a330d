package executor

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mozart409/tendhost/pkg/log"
)

// KeySourceType selects how the SSH private key is obtained
type KeySourceType string

const (
	// KeySourcePath reads the key from an explicit file path
	KeySourcePath KeySourceType = "path"
	// KeySourceAgent defers authentication to the SSH agent (reserved)
	KeySourceAgent KeySourceType = "agent"
	// KeySourceEnv decodes base64 key material from an environment variable
	KeySourceEnv KeySourceType = "env"
)

// KeySource describes where the SSH private key comes from
type KeySource struct {
	Type KeySourceType
	// File path for KeySourcePath
	Path string
	// Environment variable name for KeySourceEnv
	EnvVar string
}

// KeyFromPath creates a path-based key source
func KeyFromPath(path string) KeySource {
	return KeySource{Type: KeySourcePath, Path: path}
}

// KeyFromAgent creates an agent-based key source
func KeyFromAgent() KeySource {
	return KeySource{Type: KeySourceAgent}
}

// KeyFromEnv creates an environment-variable key source
func KeyFromEnv(varName string) KeySource {
	return KeySource{Type: KeySourceEnv, EnvVar: varName}
}

// ResolvedKey is a usable key location. Temp-file keys are removed by
// Cleanup; callers must invoke it on every exit path.
type ResolvedKey struct {
	// Path to the key file, empty for agent keys
	path string
	// Whether path is a temp file owned by this key
	temp bool
	// Whether to authenticate via the SSH agent
	agent bool
}

// Path returns the key file path, or empty for agent keys
func (k *ResolvedKey) Path() string {
	return k.path
}

// UseAgent reports whether agent authentication was requested
func (k *ResolvedKey) UseAgent() bool {
	return k.agent
}

// Cleanup removes the temp key file, if any. Safe to call repeatedly.
func (k *ResolvedKey) Cleanup() {
	if !k.temp || k.path == "" {
		return
	}
	if err := os.Remove(k.path); err != nil && !os.IsNotExist(err) {
		log.Logger.Warn().Str("path", k.path).Err(err).Msg("failed to remove temp key")
	}
	k.path = ""
}

// Resolve turns a key source into a usable key location.
// Env keys are written to a temp file with 0600 permissions.
func (s KeySource) Resolve() (*ResolvedKey, error) {
	switch s.Type {
	case KeySourcePath:
		if err := validateKeyPermissions(s.Path); err != nil {
			return nil, err
		}
		return &ResolvedKey{path: s.Path}, nil

	case KeySourceAgent:
		return &ResolvedKey{agent: true}, nil

	case KeySourceEnv:
		encoded, ok := os.LookupEnv(s.EnvVar)
		if !ok {
			return nil, newError(KindKeyError, fmt.Sprintf("environment variable %s not set", s.EnvVar), nil)
		}
		keyData, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, newError(KindKeyError, "invalid base64 encoding", err)
		}
		path, err := writeTempKey(keyData)
		if err != nil {
			return nil, err
		}
		return &ResolvedKey{path: path, temp: true}, nil
	}
	return nil, newError(KindConfigError, fmt.Sprintf("unknown key source type: %s", s.Type), nil)
}

// validateKeyPermissions rejects key files with any group or other
// permission bit set
func validateKeyPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newError(KindKeyError, fmt.Sprintf("key file not found: %s", path), err)
		}
		return newError(KindIOError, "", err)
	}

	if info.Mode().Perm()&0o077 != 0 {
		return newError(KindKeyError,
			fmt.Sprintf("key file permissions too open: %s (should be 600)", path), nil)
	}
	return nil
}

func writeTempKey(keyData []byte) (string, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("tendhost_ssh_key_%d", os.Getpid()))

	if err := os.WriteFile(path, keyData, 0o600); err != nil {
		return "", newError(KindIOError, "failed to write temp key", err)
	}

	log.Logger.Debug().Str("path", path).Msg("wrote temporary SSH key")
	return path, nil
}
