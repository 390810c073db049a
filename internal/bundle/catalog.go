package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/loykin/botfleet/internal/layout"
	"github.com/loykin/botfleet/internal/registry"
)

var (
	ErrUnknownBundle = errors.New("unknown integration bundle")
	// ErrBundleName is returned for a bundle name that cannot be used as its
	// directory inside a client directory.
	ErrBundleName = errors.New("invalid integration name")
)

// CheckName rejects names that are not a single safe path element, or that would
// collide with the client's own database, log or configuration entries.
func CheckName(name string) error {
	if !registry.IsSafeName(name) || layout.IsReservedEntry(name) {
		return fmt.Errorf("%q: %w", name, ErrBundleName)
	}
	return nil
}

// Bundle declares one integration type and the scripts it ships.
// Script names are relative to the unpacked bundle directory.
type Bundle struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	CustomBot  bool   `yaml:"custom_bot"`
	UseHTTPAPI bool   `yaml:"use_http_api"`
	MsgIface   string `yaml:"msg_iface"`
	Archive    string `yaml:"archive"`
	Install    string `yaml:"install"`
	Configure  string `yaml:"configure"`
	Start      string `yaml:"start"`
	Stop       string `yaml:"stop"`
	Upgrade    string `yaml:"upgrade"`
	// Binaries limits the client types the bundle can attach to. Empty means any.
	Binaries []string `yaml:"binaries"`
}

// Supports reports whether the bundle can be attached to clients of binary.
func (b Bundle) Supports(binary string) bool {
	if len(b.Binaries) == 0 {
		return true
	}
	for _, s := range b.Binaries {
		if s == binary {
			return true
		}
	}
	return false
}

// Catalog is the parsed integrations.yaml.
type Catalog struct {
	Bundles []Bundle `yaml:"integrations"`
}

// LoadCatalog reads path. Relative archive paths resolve against the file's directory.
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	c, err := ParseCatalog(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range c.Bundles {
		if a := c.Bundles[i].Archive; a != "" && !filepath.IsAbs(a) {
			c.Bundles[i].Archive = filepath.Join(base, a)
		}
	}
	return c, nil
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(c.Bundles))
	for _, b := range c.Bundles {
		if b.Name == "" {
			return nil, errors.New("integration without a name")
		}
		if err := CheckName(b.Name); err != nil {
			return nil, err
		}
		if _, dup := seen[b.Name]; dup {
			return nil, fmt.Errorf("integration %q declared twice", b.Name)
		}
		seen[b.Name] = struct{}{}
	}
	return &c, nil
}

// Find returns the bundle declared under name.
func (c *Catalog) Find(name string) (Bundle, error) {
	if c != nil {
		for _, b := range c.Bundles {
			if b.Name == name {
				return b, CheckName(b.Name)
			}
		}
	}
	return Bundle{}, fmt.Errorf("%q: %w", name, ErrUnknownBundle)
}

// For returns the bundles that can attach to clients of binary.
func (c *Catalog) For(binary string) []Bundle {
	if c == nil {
		return nil
	}
	var out []Bundle
	for _, b := range c.Bundles {
		if b.Supports(binary) {
			out = append(out, b)
		}
	}
	return out
}
