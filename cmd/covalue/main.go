// cmd/covalue/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ssd-technologies/covalue/internal/cojson"
	"github.com/ssd-technologies/covalue/internal/crypto"
	"github.com/ssd-technologies/covalue/internal/transport"
)

const usage = `Usage: covalue <command> [args]

  whoami                               print this agent's id
  create-group                         create a group administered by this agent
  create-map <group> [key=value...]    create a map owned by group
  create-list <group> [item...]        create a list owned by group
  set <map> key=value...               set map keys
  append <list> item...                append list items
  get <id>                             print the current view of a value
  add-member <group> <member> <role>   member: agent id, account id or "everyone"
  remove-member <group> <member>       revoke and rotate the read key

Environment:
  COVALUE_SERVER      sync server websocket URL (default ws://localhost:8080/sync)
  COVALUE_HOME        agent directory (default ~/.covalue)
  COVALUE_PASSPHRASE  derive the agent from a passphrase instead of a stored secret
  COVALUE_LOG_LEVEL   log level (default WARNING)`

const syncTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}
	if err := setupLogging(envOr("COVALUE_LOG_LEVEL", "WARNING")); err != nil {
		fatal(err)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "whoami" {
		cmdWhoami()
		return
	}

	c, err := connect()
	if err != nil {
		fatal(err)
	}
	defer c.node.Close()

	switch cmd {
	case "create-group":
		err = c.createGroup()
	case "create-map":
		err = c.createMap(args)
	case "create-list":
		err = c.createList(args)
	case "set":
		err = c.set(args)
	case "append":
		err = c.append(args)
	case "get":
		err = c.get(args)
	case "add-member":
		err = c.addMember(args)
	case "remove-member":
		err = c.removeMember(args)
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		fmt.Println(usage)
		os.Exit(1)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setupLogging(level string) error {
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return err
	}
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	format := logging.MustStringFormatter(`%{time:15:04:05.000} %{module} %{level:.4s} %{message}`)
	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, format))
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return nil
}

func covalueDir() (string, error) {
	if dir := os.Getenv("COVALUE_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".covalue"), nil
}

func loadAgent() (crypto.AgentSecret, error) {
	dir, err := covalueDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return crypto.LoadOrGenerateAgent(filepath.Join(dir, "agent.json"), os.Getenv("COVALUE_PASSPHRASE"))
}

func cmdWhoami() {
	secret, err := loadAgent()
	if err != nil {
		fatal(err)
	}
	id, err := secret.ID()
	if err != nil {
		fatal(err)
	}
	fmt.Println(id)
}

type client struct {
	node    *cojson.Node
	apiBase string
}

func connect() (*client, error) {
	secret, err := loadAgent()
	if err != nil {
		return nil, err
	}
	id, err := cojson.NewIdentity(secret)
	if err != nil {
		return nil, err
	}
	url := envOr("COVALUE_SERVER", "ws://localhost:8080/sync")
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	conn, err := transport.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	node := cojson.NewNode(id, cojson.Config{})
	node.AddPeer("server", cojson.PeerServer, conn)

	base := strings.TrimSuffix(url, "/sync")
	base = "http" + strings.TrimPrefix(base, "ws")
	return &client{node: node, apiBase: base}, nil
}

// waitSynced polls the server until it holds everything we hold of ids.
func (c *client) waitSynced(ids ...cojson.CoID) error {
	deadline := time.Now().Add(syncTimeout)
	for _, id := range ids {
		want := c.node.KnownState(id)
		for {
			got, err := c.remoteKnown(id)
			if err == nil && covers(got, want) {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("server did not confirm %s", id)
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
	return nil
}

func covers(have, want cojson.KnownState) bool {
	if want.Header && !have.Header {
		return false
	}
	for s, n := range want.Sessions {
		if have.Sessions[s] < n {
			return false
		}
	}
	return true
}

func (c *client) remoteKnown(id cojson.CoID) (cojson.KnownState, error) {
	var k cojson.KnownState
	resp, err := http.Get(c.apiBase + "/api/covalues/" + string(id) + "/known")
	if err != nil {
		return k, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return k, fmt.Errorf("known state: %s", resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&k)
	return k, err
}

func (c *client) load(id string) (cojson.View, error) {
	if !cojson.IsCoID(id) {
		return cojson.View{}, fmt.Errorf("invalid covalue id %q", id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	v, err := c.node.Load(ctx, cojson.CoID(id))
	if err != nil {
		return v, err
	}
	if v.Status != cojson.StatusAvailable {
		return v, fmt.Errorf("%s is %s", id, v.Status)
	}
	return v, nil
}

// parseValue reads JSON when it parses and falls back to a plain string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func parsePairs(args []string) (map[string]any, error) {
	out := map[string]any{}
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		out[k] = parseValue(v)
	}
	return out, nil
}

func (c *client) group(id string) (*cojson.Group, error) {
	if _, err := c.load(id); err != nil {
		return nil, err
	}
	return c.node.Group(cojson.CoID(id))
}

func (c *client) createGroup() error {
	g, err := c.node.CreateGroup()
	if err != nil {
		return err
	}
	if err := c.waitSynced(g.ID()); err != nil {
		return err
	}
	fmt.Println(g.ID())
	return nil
}

func (c *client) createMap(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: create-map <group> [key=value...]")
	}
	g, err := c.group(args[0])
	if err != nil {
		return err
	}
	initial, err := parsePairs(args[1:])
	if err != nil {
		return err
	}
	m, err := g.CreateMap(initial)
	if err != nil {
		return err
	}
	if err := c.waitSynced(m.ID()); err != nil {
		return err
	}
	fmt.Println(m.ID())
	return nil
}

func (c *client) createList(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: create-list <group> [item...]")
	}
	g, err := c.group(args[0])
	if err != nil {
		return err
	}
	items := make([]any, 0, len(args)-1)
	for _, a := range args[1:] {
		items = append(items, parseValue(a))
	}
	l, err := g.CreateList(items)
	if err != nil {
		return err
	}
	if err := c.waitSynced(l.ID()); err != nil {
		return err
	}
	fmt.Println(l.ID())
	return nil
}

func (c *client) set(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: set <map> key=value...")
	}
	if _, err := c.load(args[0]); err != nil {
		return err
	}
	values, err := parsePairs(args[1:])
	if err != nil {
		return err
	}
	m, err := c.node.Map(cojson.CoID(args[0]))
	if err != nil {
		return err
	}
	if err := m.SetMany(values, cojson.Private); err != nil {
		return err
	}
	return c.waitSynced(m.ID())
}

func (c *client) append(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: append <list> item...")
	}
	if _, err := c.load(args[0]); err != nil {
		return err
	}
	l, err := c.node.List(cojson.CoID(args[0]))
	if err != nil {
		return err
	}
	items := make([]any, 0, len(args)-1)
	for _, a := range args[1:] {
		items = append(items, parseValue(a))
	}
	if err := l.AppendItems(items, -1, cojson.Private); err != nil {
		return err
	}
	return c.waitSynced(l.ID())
}

func (c *client) get(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <id>")
	}
	v, err := c.load(args[0])
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func (c *client) addMember(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: add-member <group> <member> <role>")
	}
	g, err := c.group(args[0])
	if err != nil {
		return err
	}
	if cojson.IsCoID(args[1]) {
		// Accounts are read to find the agent behind them.
		if _, err := c.load(args[1]); err != nil {
			return err
		}
	}
	if err := g.AddMember(args[1], cojson.Role(args[2])); err != nil {
		return err
	}
	return c.waitSynced(g.ID())
}

func (c *client) removeMember(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: remove-member <group> <member>")
	}
	g, err := c.group(args[0])
	if err != nil {
		return err
	}
	if err := g.RemoveMember(args[1]); err != nil {
		return err
	}
	return c.waitSynced(g.ID())
}
