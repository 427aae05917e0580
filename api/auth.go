package api

import (
	"os"
	"path/filepath"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
)

// AuthLevel is a client's authority over the daemon.
type AuthLevel int

// Authorization levels.  Each level includes everything below it.
const (
	// LevelBasic allows connecting and listing devices
	LevelBasic AuthLevel = iota

	// LevelSecure additionally allows sending commands to devices
	LevelSecure

	// LevelDebug additionally allows inspecting all mailbox packets
	LevelDebug
)

func (l AuthLevel) String() string {
	switch l {
	case LevelBasic:
		return "Basic"
	case LevelSecure:
		return "Secure"
	case LevelDebug:
		return "Debug"
	}
	return "Unknown"
}

/*Keyring generates and stores the two shared secrets that gate the RPC
surface.

Both keys are freshly generated on every daemon start and written without a
trailing newline: the basic key world-readable inside a world-readable
directory, the auth key readable only by the daemon's user.  Clients prove
which file they can read by echoing its content in the handshake; the
filesystem is the authority.
*/
type Keyring struct {
	basicKey string
	authKey  string

	basicDir     string
	BasicKeyPath string
	AuthKeyPath  string
}

// NewKeyring generates both keys and writes their files.
func NewKeyring() (*Keyring, error) {
	basic, err := gonanoid.New()
	if err != nil {
		return nil, errors.Wrap(err, "generating basic key")
	}
	auth, err := gonanoid.New()
	if err != nil {
		return nil, errors.Wrap(err, "generating auth key")
	}

	dir, err := os.MkdirTemp("", "hid-io-core-")
	if err != nil {
		return nil, errors.Wrap(err, "creating basic key dir")
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "opening basic key dir")
	}
	basicPath := filepath.Join(dir, "key")
	if err := os.WriteFile(basicPath, []byte(basic), 0o644); err != nil {
		return nil, errors.Wrap(err, "writing basic key")
	}

	authFile, err := os.CreateTemp("", "hid-io-core-auth-")
	if err != nil {
		return nil, errors.Wrap(err, "creating auth key file")
	}
	authPath := authFile.Name()
	if err := authFile.Chmod(0o600); err != nil {
		authFile.Close()
		return nil, errors.Wrap(err, "restricting auth key")
	}
	if _, err := authFile.WriteString(auth); err != nil {
		authFile.Close()
		return nil, errors.Wrap(err, "writing auth key")
	}
	if err := authFile.Close(); err != nil {
		return nil, errors.Wrap(err, "closing auth key")
	}

	return &Keyring{
		basicKey:     basic,
		authKey:      auth,
		basicDir:     dir,
		BasicKeyPath: basicPath,
		AuthKeyPath:  authPath,
	}, nil
}

// CheckBasic verifies a presented basic key.
func (k *Keyring) CheckBasic(key string) bool {
	return key != "" && key == k.basicKey
}

// CheckAuth verifies a presented auth key.
func (k *Keyring) CheckAuth(key string) bool {
	return key != "" && key == k.authKey
}

// Close removes the key material from the filesystem.
func (k *Keyring) Close() {
	os.RemoveAll(k.basicDir)
	os.Remove(k.AuthKeyPath)
}

// ReadKeyFile loads a key file the way clients do: whole file, whitespace
// trimmed (keys are written without a newline, but editors add them).
func ReadKeyFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
