package bundle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botfleet/internal/env"
	"github.com/loykin/botfleet/internal/layout"
	"github.com/loykin/botfleet/internal/registry"
)

const configureScript = `echo "Configuring $BOTFLEET_CLIENT"
echo "prompt:Enter the auth token:WICKRIO_AUTH_TOKEN"
read tok
echo "prompt:Server:WICKRIO_SERVER"
read server
echo "prompt:Name:HUBOT_NAME"
read name
echo "prompt:Endpoint:HUBOT_URL_ENDPOINT"
read ep
echo "prompt:Port:HUBOT_URL_PORT"
read port
echo "prompt:What is your favourite color?"
read color
printf '%s\n' "$tok" "$server" "$name" "$ep" "$port" "$color" > answers.txt
echo "configured"
`

type harness struct {
	root    string
	archive string
	layout  layout.Layout
	dir     *fakeDirectory
	op      *fakeOperator
	o       *Orchestrator
}

func newHarness(t *testing.T, b Bundle, entries ...entry) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		root:    root,
		archive: filepath.Join(root, "software", b.Name+".tar.gz"),
		layout:  layout.New(filepath.Join(root, "fleet")),
		dir:     newFakeDirectory(registry.ConsoleUser{ID: 1, User: "admin", Token: "tok-123"}),
		op:      &fakeOperator{},
	}
	writeArchive(t, h.archive, "gzip", entries...)
	b.Archive = h.archive
	cat := &Catalog{Bundles: []Bundle{b}}
	h.o = New(h.layout, cat, h.dir, h.op,
		WithEnv(env.FromOS()),
		WithLogger(discard()),
		WithStepTimeout(20*time.Second),
		WithDrainTimeout(200*time.Millisecond),
	)
	h.o.RefreshVersions()
	return h
}

func (h *harness) bundleDir() string { return h.layout.BundleDir("alice", "hubot") }

func TestSetupEndToEnd(t *testing.T) {
	h := newHarness(t, Bundle{Name: "hubot", Install: "install.sh", Configure: "configure.sh"},
		file("VERSION", "1.0.0"),
		script("install.sh", "echo installing; touch installed\n"),
		script("configure.sh", configureScript),
	)
	h.op.answers = []string{"4000", "blue"}

	res, err := h.o.Setup(context.Background(), alice())
	require.NoError(t, err)
	assert.Equal(t, Result{CallbackURL: "http://localhost:4000/Apps/8080", ConsoleUserID: 1, Version: 1_000_000}, res)

	assert.FileExists(t, filepath.Join(h.bundleDir(), "installed"))
	answers, err := os.ReadFile(filepath.Join(h.bundleDir(), "answers.txt"))
	require.NoError(t, err)
	assert.Equal(t, "tok-123\nhttp://localhost:8080/Apps/abcd1234\nalice_hubot\nApps/8080\n4000\nblue\n", string(answers))

	assert.Equal(t, "http://localhost:4000/Apps/8080", h.dir.callbacks["id-alice"])
	assert.Equal(t, int64(1), h.dir.consoles["id-alice"])
	assert.Contains(t, h.op.said, "Configuring alice")
	assert.Contains(t, h.op.said, "configured")
	assert.Contains(t, h.op.asked, "What is your favourite color?")
	assert.Equal(t, []string{"admin"}, h.op.options)
}

func TestSetupInstallFailureStops(t *testing.T) {
	h := newHarness(t, Bundle{Name: "hubot", Install: "install.sh", Configure: "configure.sh"},
		script("install.sh", "echo missing dependency; exit 3\n"),
		script("configure.sh", "touch configured\n"),
	)
	_, err := h.o.Setup(context.Background(), alice())
	var se *SubprocessError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StepInstall, se.Step)
	assert.Contains(t, se.Output, "missing dependency")
	assert.NoFileExists(t, filepath.Join(h.bundleDir(), "configured"))
	assert.FileExists(t, filepath.Join(h.bundleDir(), "install.sh"))
}

func TestSetupUnpackFailure(t *testing.T) {
	h := newHarness(t, Bundle{Name: "hubot"}, file("VERSION", "1.0"))
	require.NoError(t, os.WriteFile(h.archive, []byte("not an archive"), 0o644))
	_, err := h.o.Setup(context.Background(), alice())
	var se *SubprocessError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StepUnpack, se.Step)
}

func TestSetupRefusesBundleOverClientData(t *testing.T) {
	h := newHarness(t, Bundle{Name: "client"}, file("VERSION", "1.0"))
	require.NoError(t, h.layout.EnsureClientDirs("alice"))
	marker := h.layout.KeyMarker("alice")
	require.NoError(t, os.WriteFile(marker, nil, 0o600))

	c := alice()
	c.Bundle = "client"
	_, err := h.o.Setup(context.Background(), c)
	require.ErrorIs(t, err, ErrBundleName)
	_, err = h.o.Upgrade(context.Background(), c)
	require.ErrorIs(t, err, ErrBundleName)
	_, err = h.o.Runtime(c)
	require.ErrorIs(t, err, ErrBundleName)
	assert.FileExists(t, marker)
}

func TestSetupWithoutBundle(t *testing.T) {
	h := newHarness(t, Bundle{Name: "hubot"}, file("VERSION", "1.0"))
	c := alice()
	c.Bundle = ""
	_, err := h.o.Setup(context.Background(), c)
	assert.ErrorIs(t, err, ErrNoBundle)

	c.Bundle = "other"
	_, err = h.o.Setup(context.Background(), c)
	assert.ErrorIs(t, err, ErrUnknownBundle)
}

func TestConfigureAuthTokenFailureKillsScript(t *testing.T) {
	h := newHarness(t, Bundle{Name: "hubot", Configure: "configure.sh"},
		script("configure.sh", "echo \"prompt:Token:WICKRIO_AUTH_TOKEN\"\nread tok\nsleep 30\n"),
	)
	h.dir.users = nil

	started := time.Now()
	_, err := h.o.Setup(context.Background(), alice())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoConsoleUsers)
	var se *SubprocessError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StepConfigure, se.Step)
	assert.Less(t, time.Since(started), 15*time.Second)
	assert.Empty(t, h.dir.callbacks)
}

func TestConfigureEndsWhenScriptExits(t *testing.T) {
	h := newHarness(t, Bundle{Name: "hubot", Configure: "configure.sh"},
		script("configure.sh", "echo one\necho two\nexit 0\n"),
	)
	res, err := h.o.Setup(context.Background(), alice())
	require.NoError(t, err)
	assert.Empty(t, res.CallbackURL)
	assert.Equal(t, []string{"one", "two"}, h.op.said)
}

func TestConfigureScriptFailureIsReported(t *testing.T) {
	h := newHarness(t, Bundle{Name: "hubot", Configure: "configure.sh"},
		script("configure.sh", "echo broken\nexit 4\n"),
	)
	_, err := h.o.Setup(context.Background(), alice())
	var se *SubprocessError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StepConfigure, se.Step)
	assert.Contains(t, se.Output, "broken")
}

func TestUpgradeReplacesDirectory(t *testing.T) {
	h := newHarness(t, Bundle{Name: "hubot"}, file("VERSION", "1.0.0"), file("old-only", "x"))
	ctx := context.Background()
	_, err := h.o.Setup(ctx, alice())
	require.NoError(t, err)
	assert.False(t, h.o.UpgradeAvailable(alice()))

	_, err = h.o.Upgrade(ctx, alice())
	assert.ErrorIs(t, err, ErrNoUpgrade)

	writeArchive(t, h.archive, "gzip", file("VERSION", "1.1"), file("new-only", "y"))
	h.o.RefreshVersions()
	assert.Equal(t, 1_001_000, h.o.Version("hubot"))
	assert.True(t, h.o.UpgradeAvailable(alice()))

	res, err := h.o.Upgrade(ctx, alice())
	require.NoError(t, err)
	assert.Equal(t, 1_001_000, res.Version)
	assert.Equal(t, 1_001_000, InstalledVersion(h.bundleDir()))
	assert.FileExists(t, filepath.Join(h.bundleDir(), "new-only"))
	assert.NoFileExists(t, filepath.Join(h.bundleDir(), "old-only"))
	assert.NoDirExists(t, h.layout.UpgradeDir("alice", "hubot"))
	assert.False(t, h.o.UpgradeAvailable(alice()))
}

func TestUpgradeRunsScript(t *testing.T) {
	upgrade := script("upgrade.sh", `echo "$1 $2" > "$BOTFLEET_CLIENT_DIR/upgrade-args"`+"\n")
	h := newHarness(t, Bundle{Name: "hubot", Upgrade: "upgrade.sh"}, file("VERSION", "1.0.0"), upgrade)
	ctx := context.Background()
	_, err := h.o.Setup(ctx, alice())
	require.NoError(t, err)

	writeArchive(t, h.archive, "gzip", file("VERSION", "2.0.0"), upgrade)
	h.o.RefreshVersions()
	res, err := h.o.Upgrade(ctx, alice())
	require.NoError(t, err)
	assert.Equal(t, 2_000_000, res.Version)

	args, err := os.ReadFile(filepath.Join(h.layout.ClientDir("alice"), "upgrade-args"))
	require.NoError(t, err)
	assert.Equal(t, h.bundleDir()+" "+h.layout.UpgradeDir("alice", "hubot"), strings.TrimSpace(string(args)))
	assert.NoDirExists(t, h.layout.UpgradeDir("alice", "hubot"))
}

func TestSwapReportsIncompleteUpgrade(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "hubot")
	require.NoError(t, os.MkdirAll(current, 0o750))
	err := swap(current, filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrUpgradeIncomplete)
	assert.NoDirExists(t, current)
}

func TestRuntimeRunsStartAndStop(t *testing.T) {
	h := newHarness(t, Bundle{Name: "hubot", Start: "start.sh", Stop: "stop.sh"},
		file("VERSION", "1.0"),
		script("start.sh", "echo started > \"$BOTFLEET_BUNDLE_DIR/state\"\n"),
		script("stop.sh", "echo stopped > \"$BOTFLEET_BUNDLE_DIR/state\"\n"),
	)
	ctx := context.Background()
	_, err := h.o.Setup(ctx, alice())
	require.NoError(t, err)

	rt, err := h.o.Runtime(alice())
	require.NoError(t, err)
	state := filepath.Join(h.bundleDir(), "state")

	require.NoError(t, rt.Start(ctx))
	b, err := os.ReadFile(state)
	require.NoError(t, err)
	assert.Equal(t, "started\n", string(b))

	require.NoError(t, rt.Stop(ctx))
	b, err = os.ReadFile(state)
	require.NoError(t, err)
	assert.Equal(t, "stopped\n", string(b))

	c := alice()
	c.Bundle = ""
	_, err = h.o.Runtime(c)
	assert.ErrorIs(t, err, ErrNoBundle)
}
