package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botfleet/internal/store"
	"github.com/loykin/botfleet/internal/store/sqlite"
)

func newTestRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	ctx := context.Background()
	states, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, states.EnsureSchema(ctx))
	t.Cleanup(func() { _ = states.Close() })

	r, err := Open(ctx, ":memory:", states)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, states
}

func TestOpenFollowsLedgerDSNRules(t *testing.T) {
	ctx := context.Background()
	for _, dsn := range []string{"", "  ", "mysql://root@db/bots", "file:///tmp/clients.db"} {
		_, err := Open(ctx, dsn, nil)
		assert.Error(t, err, dsn)
	}

	r, err := Open(ctx, "sqlite://:memory:", nil)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", r.dialect)
	_ = r.Close()
}

func alice() Client {
	return Client{Name: "alice", User: "alice@example.com", Binary: "botclient", Interface: "localhost", Port: 8080, APIKey: "abcd1234"}
}

func TestAddDuplicateInterfaceLeavesOneRecord(t *testing.T) {
	r, states := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Add(ctx, alice())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].Name)

	rec, err := states.Get(ctx, "botclient.alice")
	require.NoError(t, err)
	assert.Equal(t, store.StateDown, rec.State)
	assert.Equal(t, 0, rec.IPCPort)

	bob := Client{Name: "bob", Interface: "localhost", Port: 8080, APIKey: "efgh5678"}
	_, err = r.Add(ctx, bob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateInterface))
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))

	list, err = r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAddDuplicateName(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Add(ctx, alice())
	require.NoError(t, err)

	dup := alice()
	dup.Port = 9090
	_, err = r.Add(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestAddDisabledStartsPaused(t *testing.T) {
	r, states := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Add(ctx, Client{Name: "quiet"}, Disabled())
	require.NoError(t, err)
	rec, err := states.Get(ctx, ProcessName("", "quiet"))
	require.NoError(t, err)
	assert.Equal(t, store.StatePaused, rec.State)
}

func TestModifyKeepsOwnInterfaceAndRenamesState(t *testing.T) {
	r, states := newTestRegistry(t)
	ctx := context.Background()
	id, err := r.Add(ctx, alice())
	require.NoError(t, err)
	require.NoError(t, states.Set(ctx, "botclient.alice", 0, store.StatePaused))

	c, err := r.Get(ctx, id)
	require.NoError(t, err)
	c.Name = "alice2"
	c.Bundle = "hubot"
	require.NoError(t, r.Modify(ctx, id, c))

	got, err := r.FindByName(ctx, "alice2")
	require.NoError(t, err)
	assert.Equal(t, "hubot", got.Bundle)
	assert.Equal(t, 8080, got.Port)

	_, err = states.Get(ctx, "botclient.alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
	rec, err := states.Get(ctx, "botclient.alice2")
	require.NoError(t, err)
	assert.Equal(t, store.StatePaused, rec.State)

	assert.ErrorIs(t, r.Modify(ctx, "missing", c), ErrNotFound)
}

func TestModifyRejectsCollisionWithOther(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Add(ctx, alice())
	require.NoError(t, err)
	id, err := r.Add(ctx, Client{Name: "bob", Interface: "10.0.0.5", Port: 9000, APIKey: "bobkey"})
	require.NoError(t, err)

	bob, err := r.Get(ctx, id)
	require.NoError(t, err)
	bob.Port = 8080
	assert.ErrorIs(t, r.Modify(ctx, id, bob), ErrDuplicateInterface)
}

func TestDeleteRefusesRunningUnlessForced(t *testing.T) {
	r, states := newTestRegistry(t)
	ctx := context.Background()
	id, err := r.Add(ctx, alice())
	require.NoError(t, err)
	require.NoError(t, states.Set(ctx, "botclient.alice", 4100, store.StateRunning))

	err = r.Delete(ctx, id, false)
	require.ErrorIs(t, err, ErrStillRunning)
	_, err = r.Get(ctx, id)
	require.NoError(t, err, "client must survive a refused delete")

	require.NoError(t, r.Delete(ctx, id, true))
	_, err = r.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = states.Get(ctx, "botclient.alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteWithoutStateRecord(t *testing.T) {
	r, states := newTestRegistry(t)
	ctx := context.Background()
	id, err := r.Add(ctx, alice())
	require.NoError(t, err)
	require.NoError(t, states.Delete(ctx, "botclient.alice"))

	require.NoError(t, r.Delete(ctx, id, false))
	assert.ErrorIs(t, r.Delete(ctx, id, false), ErrNotFound)
}

func TestFindByUser(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Add(ctx, alice())
	require.NoError(t, err)

	c, err := r.FindByUser(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Name)
	_, err = r.FindByUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetCallbackURL(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	id, err := r.Add(ctx, alice())
	require.NoError(t, err)
	require.NoError(t, r.SetCallbackURL(ctx, id, "http://localhost:4000/Apps/8080"))
	c, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4000/Apps/8080", c.CallbackURL)
}

func TestSetConsoleUser(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	id, err := r.Add(ctx, alice())
	require.NoError(t, err)
	require.NoError(t, r.SetConsoleUser(ctx, id, 7))
	c, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.ConsoleUserID)

	assert.ErrorIs(t, r.SetConsoleUser(ctx, "missing", 1), ErrNotFound)
}

func TestConsoleUsers(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.AddConsoleUser(ctx, "admin", "")
	require.NoError(t, err)
	_, err = r.AddConsoleUser(ctx, "admin", "x")
	assert.ErrorIs(t, err, ErrConsoleUserExists)

	_, err = r.ConsoleUserToken(ctx, id)
	assert.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, r.SetConsoleUserToken(ctx, id, "tok-123"))
	tok, err := r.ConsoleUserToken(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", tok)

	users, err := r.ListConsoleUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "admin", users[0].User)

	_, err = r.GetConsoleUser(ctx, 999)
	assert.ErrorIs(t, err, ErrConsoleUserNotFound)
}

func TestRebindPostgres(t *testing.T) {
	r := &Registry{dialect: "postgres"}
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2", r.rebind("UPDATE t SET a = ? WHERE id = ?"))
	r.dialect = "sqlite"
	assert.Equal(t, "a = ?", r.rebind("a = ?"))
}
