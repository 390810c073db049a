package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayersAndExpansion(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bots.env")
	require.NoError(t, os.WriteFile(p, []byte("# bundle defaults\nexport HUBOT_ADAPTER=wickr\nBOT_HOME=\"/opt/bots\"\nBOT_LOG=${BOT_HOME}/log\n"), 0o600))

	e := New()
	require.NoError(t, e.LoadFile(p))
	e.Set("BOT_HOME", "/srv/bots").Apply([]string{"MODE=prod", "=ignored"})

	out := e.Environ("MODE=test", "PORT=${MISSING}")
	assert.Equal(t, []string{
		"BOT_HOME=/srv/bots",
		"BOT_LOG=/srv/bots/log",
		"HUBOT_ADAPTER=wickr",
		"MODE=test",
		"PORT=${MISSING}",
	}, out)

	v, ok := e.Lookup("BOT_LOG")
	assert.True(t, ok)
	assert.Equal(t, "/srv/bots/log", v)
}

func TestLoadFileRejectsMalformedLine(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.env")
	require.NoError(t, os.WriteFile(p, []byte("GOOD=1\nnot a pair\n"), 0o600))
	err := New().LoadFile(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":2:")
}

func TestFromOSIncludesHost(t *testing.T) {
	t.Setenv("BOTFLEET_ENV_TEST", "yes")
	v, ok := FromOS().Lookup("BOTFLEET_ENV_TEST")
	assert.True(t, ok)
	assert.Equal(t, "yes", v)
}
