package console

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/loykin/botfleet/internal/registry"
)

const noneValue = "none"

// formResult carries the answers that are not part of the client record.
type formResult struct {
	password  string
	autostart bool
}

// ask is Terminal.Ask where "quit" aborts the form.
func (d *Dispatcher) ask(prompt, current string) (string, error) {
	v, err := d.term.Ask(prompt, current)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(v, "quit") {
		return "", ErrAborted
	}
	return v, nil
}

func (d *Dispatcher) confirm(q string) (bool, error) {
	return d.term.Confirm(q)
}

// form collects the fields of c interactively. Checks run against others, the
// clients other than c as listed when the form started.
func (d *Dispatcher) form(ctx context.Context, c *registry.Client, isNew bool) (formResult, error) {
	var res formResult
	all, err := d.clients.List(ctx)
	if err != nil {
		return res, err
	}
	others := slices.DeleteFunc(all, func(o registry.Client) bool { return c.ID != "" && o.ID == c.ID })

	if err := d.askName(c, others); err != nil {
		return res, err
	}
	if err := d.askBinary(c); err != nil {
		return res, err
	}
	if err := d.askUser(c, others); err != nil {
		return res, err
	}
	if res.password, err = d.askPassword(isNew); err != nil {
		return res, err
	}
	for {
		v, err := d.ask("Enter the API key", c.APIKey)
		if err != nil {
			return res, err
		}
		if len(v) < registry.MinSecretLen {
			d.term.Say(fmt.Sprintf("API key should be at least %d characters long!", registry.MinSecretLen))
			continue
		}
		c.APIKey = v
		break
	}
	if err := d.askInterface(c, others); err != nil {
		return res, err
	}
	if err := d.askConsoleUser(ctx, c); err != nil {
		return res, err
	}
	for {
		v, err := d.ask("Does the client support inbox handling? (true or false)", strconv.FormatBool(c.HandleInbox))
		if err != nil {
			return res, err
		}
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			d.term.Say("Invalid input, enter either true or false")
			continue
		}
		c.HandleInbox = b
		break
	}
	if err := d.askBundle(c); err != nil {
		return res, err
	}
	if isNew {
		if res.autostart, err = d.confirm("Start the client once it is added?"); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (d *Dispatcher) askName(c *registry.Client, others []registry.Client) error {
	for {
		v, err := d.ask("Enter a unique name for this client (this is a local name, not the bot's user id)", c.Name)
		if err != nil {
			return err
		}
		switch {
		case !registry.IsSafeName(v):
			d.term.Say("Name may only contain letters, digits, '.', '-' and '_'!")
		case slices.ContainsFunc(others, func(o registry.Client) bool { return o.Name == v }):
			d.term.Say("Name is already in use!")
		default:
			c.Name = v
			return nil
		}
	}
}

func (d *Dispatcher) askBinary(c *registry.Client) error {
	if len(d.binaries) == 1 {
		c.Binary = d.binaries[0]
		return nil
	}
	current := c.Binary
	if current == "" {
		current = d.binaries[0]
	}
	for {
		v, err := d.ask(fmt.Sprintf("Enter the client type (%s)", strings.Join(d.binaries, ", ")), current)
		if err != nil {
			return err
		}
		if slices.Contains(d.binaries, v) {
			c.Binary = v
			return nil
		}
		d.term.Say(fmt.Sprintf("%s is not a known client type!", v))
	}
}

func (d *Dispatcher) askUser(c *registry.Client, others []registry.Client) error {
	for {
		v, err := d.ask("Enter the user name", c.User)
		if err != nil {
			return err
		}
		switch {
		case v == "":
			d.term.Say("User name must not be empty!")
		case slices.ContainsFunc(others, func(o registry.Client) bool { return o.User == v }):
			d.term.Say("User name is already used by another client!")
		default:
			c.User = v
			return nil
		}
	}
}

func (d *Dispatcher) askPassword(isNew bool) (string, error) {
	prompt := "Enter the password:"
	if !isNew {
		prompt = "Enter the password (leave empty to keep the current one):"
	}
	for {
		v, err := d.term.Secret(prompt)
		if err != nil {
			return "", err
		}
		if v == "" && !isNew {
			return "", nil
		}
		if len(v) < registry.MinSecretLen {
			d.term.Say(fmt.Sprintf("Password should be at least %d characters long!", registry.MinSecretLen))
			continue
		}
		return v, nil
	}
}

func (d *Dispatcher) askInterface(c *registry.Client, others []registry.Client) error {
	ifaces, err := d.interfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}
	for {
		current := c.Interface
		if current == "" {
			current = noneValue
		}
		v, err := d.ask("Enter the interface (list to see possible interfaces, none for no HTTP interface)", current)
		if err != nil {
			return err
		}
		if strings.EqualFold(v, "list") || v == "?" {
			for _, i := range ifaces {
				d.term.Say("  " + i)
			}
			continue
		}
		if strings.EqualFold(v, noneValue) {
			c.Interface, c.Port, c.HTTPS, c.TLSKeyFile, c.TLSCertFile = "", 0, false, "", ""
			return nil
		}
		if !slices.Contains(ifaces, v) {
			d.term.Say(fmt.Sprintf("%s not found in the list of interfaces!", v))
			continue
		}
		current = ""
		if c.Port != 0 {
			current = strconv.Itoa(c.Port)
		}
		p, err := d.ask("Enter the IP port number", current)
		if err != nil {
			return err
		}
		port, perr := strconv.Atoi(p)
		if perr != nil || port < 1 || port > 65535 {
			d.term.Say("Port must be a number between 1 and 65535!")
			continue
		}
		if slices.ContainsFunc(others, func(o registry.Client) bool {
			return registry.InterfacesCollide(o.Interface, o.Port, v, port)
		}) {
			d.term.Say("Interface and port combination used already!")
			continue
		}
		c.Interface, c.Port = v, port
		break
	}
	return d.askScheme(c)
}

func (d *Dispatcher) askScheme(c *registry.Client) error {
	for {
		v, err := d.ask("Enter the interface type (http or https)", c.Scheme())
		if err != nil {
			return err
		}
		switch strings.ToLower(v) {
		case "https":
			c.HTTPS = true
			c.TLSKeyFile, c.TLSCertFile = d.tlsKeyFile, d.tlsCertFile
			if d.tlsKeyFile == "" || d.tlsCertFile == "" {
				d.term.Warn("TLS has not been set up! Set server.tls_key_file and server.tls_cert_file first.")
			}
			return nil
		case "http":
			c.HTTPS, c.TLSKeyFile, c.TLSCertFile = false, "", ""
			return nil
		}
		d.term.Say("Invalid interface type, enter either http or https")
	}
}

func (d *Dispatcher) askConsoleUser(ctx context.Context, c *registry.Client) error {
	users, err := d.clients.ListConsoleUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return nil
	}
	ok, err := d.confirm("Associate with a console user?")
	if err != nil {
		return err
	}
	if !ok {
		c.ConsoleUserID = 0
		return nil
	}
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.User
	}
	d.term.Say("Possible console user choices:")
	i, err := d.term.Choose("Enter the index of the console user", names)
	if err != nil {
		return err
	}
	c.ConsoleUserID = users[i].ID
	return nil
}

func (d *Dispatcher) askBundle(c *registry.Client) error {
	if d.bundles == nil {
		return nil
	}
	available := d.bundles.Catalog().For(c.Binary)
	if len(available) == 0 {
		c.Bundle = ""
		return nil
	}
	ok, err := d.confirm("Do you want to connect to an integration bundle?")
	if err != nil {
		return err
	}
	if !ok {
		c.Bundle = ""
		return nil
	}
	names := make([]string, 0, len(available)+1)
	for _, b := range available {
		names = append(names, b.Name)
	}
	names = append(names, noneValue)
	for {
		v, err := d.ask(fmt.Sprintf("Enter the bundle type (%s)", strings.Join(names, ", ")), c.Bundle)
		if err != nil {
			return err
		}
		if !slices.Contains(names, v) {
			d.term.Say(fmt.Sprintf("%s is not a known bundle!", v))
			continue
		}
		if v == noneValue {
			v = ""
		}
		c.Bundle = v
		return nil
	}
}
