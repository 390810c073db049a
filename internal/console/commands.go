package console

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/botfleet/internal/bundle"
	"github.com/loykin/botfleet/internal/history"
	"github.com/loykin/botfleet/internal/layout"
	"github.com/loykin/botfleet/internal/lifecycle"
	"github.com/loykin/botfleet/internal/metrics"
	"github.com/loykin/botfleet/internal/registry"
	"github.com/loykin/botfleet/internal/store"
)

const separator = "**********************************************************************"

func (d *Dispatcher) list(ctx context.Context) error {
	clients, err := d.clients.List(ctx)
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		d.term.Say("No clients configured")
		return nil
	}
	users := map[int64]string{}
	if us, err := d.clients.ListConsoleUsers(ctx); err == nil {
		for _, u := range us {
			users[u.ID] = u.User
		}
	}
	for i, c := range clients {
		state := "UNKNOWN"
		if rec, err := d.ledger.Get(ctx, c.ProcessName()); err == nil {
			state = string(rec.State)
		}
		consoleUser, ok := users[c.ConsoleUserID]
		if !ok {
			consoleUser = "Not set"
		}
		line := fmt.Sprintf("client[%d] %s, APIKey=%s, User=%s, Port=%d, Binary=%s, State=%s, ConsoleUser=%s",
			i, c.Name, c.APIKey, c.User, c.Port, c.Binary, state, consoleUser)
		if c.Bundle != "" {
			line += ", Bundle=" + c.Bundle
			if d.bundles != nil && d.bundles.UpgradeAvailable(c) {
				line += " (upgrade available)"
			}
		}
		d.term.Say(line)
	}
	return nil
}

func (d *Dispatcher) add(ctx context.Context) error {
	c := registry.Client{Binary: d.binaries[0]}
	var res formResult
	for {
		var err error
		if res, err = d.form(ctx, &c, true); err != nil {
			return err
		}
		var opts []registry.AddOption
		if !res.autostart || c.Bundle != "" {
			opts = append(opts, registry.Disabled())
		}
		id, err := d.clients.Add(ctx, c, opts...)
		if err == nil {
			c.ID = id
			break
		}
		var ve *registry.ValidationError
		if !errors.As(err, &ve) {
			return err
		}
		d.term.Say(err.Error())
		again, cerr := d.confirm("Failed to add record, try again?")
		if cerr != nil {
			return cerr
		}
		if !again {
			return err
		}
	}
	d.machine.Registered(ctx, c)
	if err := d.writeSettings(c, res.password); err != nil {
		return err
	}
	d.term.Say("Successfully added record to the database!")

	if c.Bundle == "" {
		return nil
	}
	if err := d.setupBundle(ctx, c); err != nil {
		return err
	}
	if res.autostart {
		return d.ledger.Commit(ctx, c.ProcessName(), 0, store.StateDown, history.EventStartRequested, "after integration setup")
	}
	return nil
}

func (d *Dispatcher) modify(ctx context.Context, c registry.Client) error {
	if err := d.machine.CheckModify(ctx, c); err != nil {
		return err
	}
	oldBundle, oldName := c.Bundle, c.Name
	var res formResult
	for {
		var err error
		if res, err = d.form(ctx, &c, false); err != nil {
			return err
		}
		if c.Name != oldName && d.layout.ClientDirExists(c.Name) {
			return fmt.Errorf("rename %s to %s: %w", oldName, c.Name, layout.ErrClientDirExists)
		}
		err = d.clients.Modify(ctx, c.ID, c)
		if err == nil {
			break
		}
		var ve *registry.ValidationError
		if !errors.As(err, &ve) {
			return err
		}
		d.term.Say(err.Error())
		again, cerr := d.confirm("Failed to update record, try again?")
		if cerr != nil {
			return cerr
		}
		if !again {
			return err
		}
	}
	if err := d.layout.RenameClient(oldName, c.Name); err != nil {
		return fmt.Errorf("move files of %s to %s: %w", oldName, c.Name, err)
	}
	if err := d.writeSettings(c, res.password); err != nil {
		return err
	}
	d.term.Say("Successfully updated record to the database!")

	if c.Bundle == "" {
		return nil
	}
	if c.Bundle == oldBundle {
		again, err := d.confirm(fmt.Sprintf("Set up the %s integration again?", c.Bundle))
		if err != nil || !again {
			return err
		}
	}
	return d.setupBundle(ctx, c)
}

func (d *Dispatcher) writeSettings(c registry.Client, password string) error {
	err := d.layout.WriteClientConfig(layout.ClientSettings{
		Name:     c.Name,
		User:     c.User,
		Password: password,
		APIKey:   c.APIKey,
	})
	if err != nil {
		return fmt.Errorf("write configuration of %s: %w", c.Name, err)
	}
	return nil
}

func (d *Dispatcher) setupBundle(ctx context.Context, c registry.Client) error {
	if d.bundles == nil {
		return bundle.ErrNoBundle
	}
	d.term.Say(separator)
	d.term.Say(fmt.Sprintf("Begin setup of %s software for %s", c.Bundle, c.Name))
	res, err := d.bundles.Setup(ctx, c)
	if err != nil {
		return fmt.Errorf("failed to set up %s for %s: %w", c.Bundle, c.Name, err)
	}
	if res.CallbackURL != "" {
		d.term.Say("Callback set to " + res.CallbackURL)
	}
	d.term.Say(fmt.Sprintf("End of setup of %s software for %s (version %s)", c.Bundle, c.Name, bundle.FormatVersion(res.Version)))
	d.term.Say(separator)
	return nil
}

func (d *Dispatcher) remove(ctx context.Context, c registry.Client, force bool) error {
	ok, err := d.confirm(fmt.Sprintf("Do you really want to remove the client with the name %s", c.Name))
	if err != nil {
		return err
	}
	if !ok {
		return lifecycle.ErrDeclined
	}
	if err := d.machine.CheckDelete(ctx, c, force); err != nil {
		return err
	}
	d.term.Say("Deleting client " + c.Name)
	if err := d.clients.Delete(ctx, c.ID, force); err != nil {
		return err
	}
	d.machine.Deleted(ctx, c)
	metrics.ForgetClient(c.ProcessName())
	return nil
}

func (d *Dispatcher) upgrade(ctx context.Context, c registry.Client) error {
	if err := d.machine.CheckUpgrade(ctx, c); err != nil {
		return err
	}
	if c.Bundle == "" {
		return fmt.Errorf("upgrade %s: %w", c.Name, bundle.ErrNoBundle)
	}
	if d.bundles == nil {
		return bundle.ErrNoBundle
	}
	res, err := d.bundles.Upgrade(ctx, c)
	if errors.Is(err, bundle.ErrNoUpgrade) {
		d.term.Say(fmt.Sprintf("%s of %s is up to date (version %s)", c.Bundle, c.Name, bundle.FormatVersion(res.Version)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("upgrade %s: %w", c.Name, err)
	}
	rec, gerr := d.ledger.Get(ctx, c.ProcessName())
	if gerr != nil {
		rec = store.Record{Name: c.ProcessName()}
	}
	version := bundle.FormatVersion(res.Version)
	d.ledger.Record(ctx, history.New(history.EventUpgraded, rec, c.Bundle+" "+version))
	d.term.Say(fmt.Sprintf("Upgraded %s of %s to version %s", c.Bundle, c.Name, version))
	return nil
}

func (d *Dispatcher) users(ctx context.Context) error {
	users, err := d.clients.ListConsoleUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		d.term.Say("No console users configured")
		return nil
	}
	for i, u := range users {
		token := "not set"
		if u.Token != "" {
			token = "set"
		}
		d.term.Say(fmt.Sprintf("user[%d] %s, Token=%s", i, u.User, token))
	}
	return nil
}

func (d *Dispatcher) addUser(ctx context.Context) error {
	name, err := d.ask("Enter the console user name", "")
	if err != nil {
		return err
	}
	token, err := d.term.Secret("Enter the authentication token for this user:")
	if err != nil {
		return err
	}
	if _, err := d.clients.AddConsoleUser(ctx, name, token); err != nil {
		return err
	}
	d.term.Say("Successfully added console user " + name)
	return nil
}

func (d *Dispatcher) token(ctx context.Context, index int) error {
	users, err := d.clients.ListConsoleUsers(ctx)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(users) {
		return fmt.Errorf("index %d: %w", index, ErrIndexRange)
	}
	u := users[index]
	token, err := d.term.Secret(fmt.Sprintf("Enter the new authentication token for %s:", u.User))
	if err != nil {
		return err
	}
	if err := d.clients.SetConsoleUserToken(ctx, u.ID, token); err != nil {
		return err
	}
	d.term.Say("Token updated for " + u.User)
	return nil
}
