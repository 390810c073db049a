package bundle

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botfleet/internal/registry"
)

func newSession(op *fakeOperator, dir *fakeDirectory, c registry.Client) (*promptSession, *bytes.Buffer) {
	var stdin bytes.Buffer
	return &promptSession{
		ctx:       context.Background(),
		client:    c,
		bundle:    Bundle{Name: "hubot"},
		op:        op,
		users:     dir,
		stdin:     &stdin,
		log:       discard(),
		consoleID: c.ConsoleUserID,
	}, &stdin
}

func TestPromptKnownTokens(t *testing.T) {
	op := &fakeOperator{answers: []string{"4000"}}
	c := alice()
	c.HTTPS = true
	c.ConsoleUserID = 2
	s, stdin := newSession(op, newFakeDirectory(registry.ConsoleUser{ID: 2, User: "ops", Token: "tok-2"}), c)

	for _, line := range []string{
		"prompt:Auth token:WICKRIO_AUTH_TOKEN",
		"prompt:Server: WICKRIO_SERVER ",
		"PROMPT:Name:HUBOT_NAME\r",
		"prompt:Endpoint:HUBOT_URL_ENDPOINT",
		"prompt:Port:HUBOT_URL_PORT",
	} {
		require.NoError(t, s.handle(line), line)
	}
	assert.Equal(t, "tok-2\nhttps://localhost:8080/Apps/abcd1234\nalice_hubot\nApps/8080\n4000\n", stdin.String())
	assert.Equal(t, configureResult{CallbackURL: "http://localhost:4000/Apps/8080", ConsoleUserID: 2}, s.result())
	assert.Len(t, op.asked, 1)
}

func TestPromptUnknownIsForwarded(t *testing.T) {
	op := &fakeOperator{answers: []string{"blue", "yes"}}
	s, stdin := newSession(op, newFakeDirectory(), alice())

	require.NoError(t, s.handle("prompt:What is your favourite color?"))
	require.NoError(t, s.handle("prompt:Proceed:SOMETHING_ELSE"))
	assert.Equal(t, []string{"What is your favourite color?", "Proceed:SOMETHING_ELSE"}, op.asked)
	assert.Equal(t, "blue\nyes\n", stdin.String())
}

func TestPromptPlainLinesAreEchoed(t *testing.T) {
	op := &fakeOperator{}
	s, stdin := newSession(op, newFakeDirectory(), alice())

	require.NoError(t, s.handle("Installing\tdependencies\r"))
	require.NoError(t, s.handle("ratio 1:2:3 is not a prompt"))
	assert.Equal(t, []string{"Installingdependencies", "ratio 1:2:3 is not a prompt"}, op.said)
	assert.Empty(t, stdin.String())
	assert.Equal(t, configureResult{}, s.result())
}

func TestPromptAuthTokenSelectsConsoleUser(t *testing.T) {
	op := &fakeOperator{choice: 1}
	dir := newFakeDirectory(
		registry.ConsoleUser{ID: 5, User: "first", Token: "t5"},
		registry.ConsoleUser{ID: 9, User: "second", Token: "t9"},
	)
	s, stdin := newSession(op, dir, alice())

	require.NoError(t, s.handle("prompt:Token:WICKRIO_AUTH_TOKEN"))
	assert.Equal(t, []string{"first", "second"}, op.options)
	assert.Equal(t, "t9\n", stdin.String())
	assert.Equal(t, int64(9), s.result().ConsoleUserID)
}

func TestPromptAuthTokenFailures(t *testing.T) {
	s, _ := newSession(&fakeOperator{}, newFakeDirectory(), alice())
	assert.ErrorIs(t, s.handle("prompt:Token:WICKRIO_AUTH_TOKEN"), ErrNoConsoleUsers)

	s, _ = newSession(&fakeOperator{choice: 3}, newFakeDirectory(registry.ConsoleUser{ID: 1, User: "a", Token: "x"}), alice())
	assert.ErrorContains(t, s.handle("prompt:Token:WICKRIO_AUTH_TOKEN"), "out of range")

	s, _ = newSession(&fakeOperator{}, newFakeDirectory(registry.ConsoleUser{ID: 1, User: "a"}), alice())
	assert.ErrorIs(t, s.handle("prompt:Token:WICKRIO_AUTH_TOKEN"), registry.ErrNoToken)
}

func TestPromptKeepsBoundedOutput(t *testing.T) {
	s, _ := newSession(&fakeOperator{}, newFakeDirectory(), alice())
	for i := 0; i < keepOutput+50; i++ {
		require.NoError(t, s.handle("line"))
	}
	assert.Len(t, s.output, keepOutput)
}
