/*Package displayserver is the seam between the daemon's unicode module and
the host display server.

Real backends (x11, wayland, quartz, winapi) live behind the DisplayServer
interface; the daemon core only ever calls the four operations below, and
only from the module façade — never from a device controller.  The Null
backend records what it was asked to do, which is what the core's tests
need and what headless hosts get.
*/
package displayserver

import (
	"errors"
	"sync"
)

var (
	// ErrLayout is generated when the layout cannot be read or applied
	ErrLayout = errors.New("displayserver: layout operation failed")

	// ErrType is generated when a string cannot be injected
	ErrType = errors.New("displayserver: type operation failed")
)

// DisplayServer is the unicode/layout capability of the host.
type DisplayServer interface {
	// GetLayout reports the active keyboard layout identifier
	GetLayout() (string, error)

	// SetLayout activates a keyboard layout
	SetLayout(id string) error

	// TypeString injects a UTF-8 string as keystrokes
	TypeString(s string) error

	// SetHeld declares the set of symbols currently held down; an empty
	// set releases everything
	SetHeld(symbols string) error
}

// Null is a recording backend for headless hosts and tests.
type Null struct {
	mu sync.Mutex

	layout string
	typed  []string
	held   string
}

// NewNull returns an empty recording backend.
func NewNull() *Null {
	return &Null{layout: "us"}
}

// GetLayout reports the recorded layout.
func (n *Null) GetLayout() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.layout, nil
}

// SetLayout records the layout.
func (n *Null) SetLayout(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.layout = id
	return nil
}

// TypeString records the injected string.
func (n *Null) TypeString(s string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.typed = append(n.typed, s)
	return nil
}

// SetHeld records the held-symbol set.
func (n *Null) SetHeld(symbols string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.held = symbols
	return nil
}

// Typed reports everything TypeString received, oldest first.
func (n *Null) Typed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.typed))
	copy(out, n.typed)
	return out
}

// Held reports the current held-symbol set.
func (n *Null) Held() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.held
}

// Detect selects a backend for the running host.  The graphical backends are
// external collaborators; until one is linked in, every host gets the
// recording backend.
func Detect() DisplayServer {
	return NewNull()
}
