package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	// KeyMarkerFile exists in a client's database dir once the worker has derived its
	// database key; until then the worker needs its password on startup.
	KeyMarkerFile = "dkd.wic"

	dbDirName    = "client"
	logDirName   = "logs"
	configPrefix = "WickrIOClient."

	userSection  = "user"
	passwordKey  = "password"
	upgradeTmpFx = ".upgrade"
)

var (
	// ErrConfigMissing is returned when a client's private configuration file does not exist.
	ErrConfigMissing = errors.New("client configuration file does not exist")
	// ErrClientDirExists is returned when a rename target already has a client directory.
	ErrClientDirExists = errors.New("client directory already exists")
)

// Layout resolves the on-disk locations of a fleet rooted at Root:
//
//	<root>/clients/<name>/WickrIOClient.<name>.ini
//	<root>/clients/<name>/client/dkd.wic
//	<root>/clients/<name>/logs/
//	<root>/clients/<name>/<bundle>/
//	<root>/run/supervisor.pid
//	<root>/logs/supervisor.out
type Layout struct {
	Root string
}

func New(root string) Layout { return Layout{Root: filepath.Clean(root)} }

func (l Layout) ClientDir(name string) string {
	return filepath.Join(l.Root, "clients", name)
}

func (l Layout) ConfigFile(name string) string {
	return filepath.Join(l.ClientDir(name), configPrefix+name+".ini")
}

func (l Layout) DBDir(name string) string {
	return filepath.Join(l.ClientDir(name), dbDirName)
}

func (l Layout) KeyMarker(name string) string {
	return filepath.Join(l.DBDir(name), KeyMarkerFile)
}

func (l Layout) LogDir(name string) string {
	return filepath.Join(l.ClientDir(name), logDirName)
}

func (l Layout) BundleDir(name, bundle string) string {
	return filepath.Join(l.ClientDir(name), bundle)
}

// IsReservedEntry reports whether entry, used as a bundle directory name, would
// land on a path the layout itself keeps in a client directory, or outside it.
func IsReservedEntry(entry string) bool {
	switch {
	case entry == "", entry == dbDirName, entry == logDirName:
		return true
	case strings.HasPrefix(entry, "."), strings.HasPrefix(entry, configPrefix):
		return true
	case strings.HasSuffix(entry, upgradeTmpFx):
		return true
	}
	return strings.ContainsAny(entry, `/\`)
}

// SupervisorPIDFile is where a daemonized supervisor records its pid.
func (l Layout) SupervisorPIDFile() string {
	return filepath.Join(l.Root, "run", "supervisor.pid")
}

// SupervisorLogFile receives a daemonized supervisor's standard output and error.
func (l Layout) SupervisorLogFile() string {
	return filepath.Join(l.Root, logDirName, "supervisor.out")
}

// UpgradeDir is the temporary location a new bundle version is staged in.
func (l Layout) UpgradeDir(name, bundle string) string {
	return l.BundleDir(name, bundle) + upgradeTmpFx
}

// HasCredentials reports whether the worker's key marker exists.
func (l Layout) HasCredentials(name string) bool {
	_, err := os.Stat(l.KeyMarker(name))
	return err == nil
}

// ConfigExists reports whether the worker's private configuration file exists.
func (l Layout) ConfigExists(name string) bool {
	_, err := os.Stat(l.ConfigFile(name))
	return err == nil
}

// ClientDirExists reports whether name has a client directory.
func (l Layout) ClientDirExists(name string) bool {
	_, err := os.Stat(l.ClientDir(name))
	return err == nil
}

// RenameClient moves the client directory of from, with its database, logs and
// bundles, to to and renames the configuration file inside it. A client without a
// directory is left alone.
func (l Layout) RenameClient(from, to string) error {
	if from == to || !l.ClientDirExists(from) {
		return nil
	}
	if l.ClientDirExists(to) {
		return fmt.Errorf("%s: %w", l.ClientDir(to), ErrClientDirExists)
	}
	if err := os.MkdirAll(filepath.Dir(l.ClientDir(to)), 0o750); err != nil {
		return err
	}
	if err := os.Rename(l.ClientDir(from), l.ClientDir(to)); err != nil {
		return err
	}
	oldConfig := filepath.Join(l.ClientDir(to), filepath.Base(l.ConfigFile(from)))
	if _, err := os.Stat(oldConfig); err != nil {
		return nil
	}
	return os.Rename(oldConfig, l.ConfigFile(to))
}

// EnsureClientDirs creates the client, database and log directories.
func (l Layout) EnsureClientDirs(name string) error {
	for _, d := range []string{l.ClientDir(name), l.DBDir(name), l.LogDir(name)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return err
		}
	}
	return nil
}

// SavePassword persists password under [user] of the client's configuration file.
// The file must already exist.
func (l Layout) SavePassword(name, password string) error {
	path := l.ConfigFile(name)
	if !l.ConfigExists(name) {
		return fmt.Errorf("%s: %w", path, ErrConfigMissing)
	}
	cfg, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("read client config: %w", err)
	}
	cfg.Section(userSection).Key(passwordKey).SetValue(password)
	if err := cfg.SaveTo(path); err != nil {
		return fmt.Errorf("write client config: %w", err)
	}
	return os.Chmod(path, 0o600)
}

// Password returns the stored password, or "" when none is set.
func (l Layout) Password(name string) (string, error) {
	cfg, err := ini.Load(l.ConfigFile(name))
	if err != nil {
		return "", err
	}
	return cfg.Section(userSection).Key(passwordKey).String(), nil
}

// ClientSettings are the values a worker needs from its private configuration.
type ClientSettings struct {
	Name     string `ini:"name"`
	User     string `ini:"user"`
	Password string `ini:"password"`
	APIKey   string `ini:"api_key"`
}

// WriteClientConfig creates or refreshes the client's configuration file. An existing
// password is kept when s.Password is empty.
func (l Layout) WriteClientConfig(s ClientSettings) error {
	if err := l.EnsureClientDirs(s.Name); err != nil {
		return err
	}
	path := l.ConfigFile(s.Name)
	cfg := ini.Empty()
	if l.ConfigExists(s.Name) {
		loaded, err := ini.Load(path)
		if err != nil {
			return fmt.Errorf("read client config: %w", err)
		}
		cfg = loaded
	}
	if s.Password == "" {
		s.Password = cfg.Section(userSection).Key(passwordKey).String()
	}
	if err := cfg.Section(userSection).ReflectFrom(&s); err != nil {
		return err
	}
	if err := cfg.SaveTo(path); err != nil {
		return fmt.Errorf("write client config: %w", err)
	}
	return os.Chmod(path, 0o600)
}
