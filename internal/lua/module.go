package lua

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zot/chatops/internal/router"
)

// Module tracks the commands registered by a single script file so a reload
// can replace them as a unit.
type Module struct {
	// Name is the file name without its directory or extension.
	Name string
	// Path is the file the module was loaded from.
	Path string
	// Patterns are the top level patterns the file registered, in order.
	Patterns []*router.Pattern

	endpoints int
}

// NewModule creates an empty module for path.
func NewModule(path string) *Module {
	return &Module{
		Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path: path,
	}
}

// nextEndpoint names the next command endpoint of the module.
func (m *Module) nextEndpoint() string {
	m.endpoints++
	return fmt.Sprintf("lua.%s.%d", m.Name, m.endpoints)
}
