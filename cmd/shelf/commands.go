package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"shelf/pkg/idb"

	"sigs.k8s.io/yaml"
)

var errUsage = errors.New("usage")

// CommandContext holds the state available to command handlers.
type CommandContext struct {
	Ctx  context.Context
	DB   *idb.DB
	Args []string
	Out  io.Writer
}

// CommandHandler runs one subcommand. Returning errUsage prints the
// command's usage line.
type CommandHandler func(c CommandContext) error

// Command describes a registered subcommand.
type Command struct {
	Usage   string // full usage for help; defaults to the command name
	Help    string
	MinArgs int
	Handler CommandHandler
}

// CommandRegistry maps command names to handlers and produces help in
// registration order.
type CommandRegistry struct {
	commands map[string]Command
	order    []string
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{commands: make(map[string]Command)}
}

// Register adds a command. Registering the same name twice overwrites the
// previous entry. Panics if cmd.Handler is nil.
func (r *CommandRegistry) Register(name string, cmd Command) {
	if cmd.Handler == nil {
		panic("shelf: Register called with nil handler for " + name)
	}
	if _, exists := r.commands[name]; !exists {
		r.order = append(r.order, name)
	}
	r.commands[name] = cmd
}

// Dispatch runs the command named by args[0] with the remaining arguments.
func (r *CommandRegistry) Dispatch(ctx context.Context, db *idb.DB, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := r.commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	if len(args)-1 < cmd.MinArgs {
		return fmt.Errorf("%w: %s", errUsage, cmd.usage(args[0]))
	}
	err := cmd.Handler(CommandContext{Ctx: ctx, DB: db, Args: args[1:], Out: out})
	if errors.Is(err, errUsage) {
		return fmt.Errorf("%w: %s", errUsage, cmd.usage(args[0]))
	}
	return err
}

// HelpText lists every command with its usage and help line.
func (r *CommandRegistry) HelpText() string {
	var b strings.Builder
	for _, name := range r.order {
		cmd := r.commands[name]
		fmt.Fprintf(&b, "  %-40s %s\n", cmd.usage(name), cmd.Help)
	}
	return b.String()
}

func (c Command) usage(name string) string {
	if c.Usage != "" {
		return c.Usage
	}
	return name
}

func registerCommands(reg *CommandRegistry) {
	reg.Register("get", Command{
		Usage:   "get <store> <key>",
		Help:    "print the record at key",
		MinArgs: 2,
		Handler: handleGet,
	})
	reg.Register("put", Command{
		Usage:   "put <store> <value> [key]",
		Help:    "insert or replace a record",
		MinArgs: 2,
		Handler: handleWrite(false),
	})
	reg.Register("add", Command{
		Usage:   "add <store> <value> [key]",
		Help:    "insert a record, failing if the key exists",
		MinArgs: 2,
		Handler: handleWrite(true),
	})
	reg.Register("delete", Command{
		Usage:   "delete <store> <key>",
		Help:    "delete the record at key",
		MinArgs: 2,
		Handler: handleDelete,
	})
	reg.Register("count", Command{
		Usage:   "count <store> [key]",
		Help:    "count records, optionally those matching key",
		MinArgs: 1,
		Handler: handleCount,
	})
	reg.Register("clear", Command{
		Usage:   "clear <store>",
		Help:    "delete every record of a store",
		MinArgs: 1,
		Handler: handleClear,
	})
	reg.Register("lookup", Command{
		Usage:   "lookup <store> <index> <key>",
		Help:    "print the first record whose index key matches",
		MinArgs: 3,
		Handler: handleLookup,
	})
	reg.Register("fetch", Command{
		Usage:   "fetch [-index name] [-dir d] [-offset n] [-limit n] <store>",
		Help:    "print a window of records",
		MinArgs: 1,
		Handler: handleFetch,
	})
	reg.Register("destroy", Command{
		Help:    "delete the database and its files",
		Handler: handleDestroy,
	})
}

// parseArg reads a key or value written as YAML or JSON. Bare words are
// strings and numbers are float64.
func parseArg(s string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", s, err)
	}
	return v, nil
}

func printValue(out io.Writer, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = out.Write(b)
	return err
}

func handleGet(c CommandContext) error {
	key, err := parseArg(c.Args[1])
	if err != nil {
		return err
	}
	v, err := c.DB.Store(c.Args[0]).Get(c.Ctx, key)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("no record at %v", key)
	}
	return printValue(c.Out, v)
}

func handleWrite(add bool) CommandHandler {
	return func(c CommandContext) error {
		value, err := parseArg(c.Args[1])
		if err != nil {
			return err
		}
		var key idb.Key
		if len(c.Args) > 2 {
			if key, err = parseArg(c.Args[2]); err != nil {
				return err
			}
		}
		s := c.DB.Store(c.Args[0])
		if add {
			key, err = s.Add(c.Ctx, value, key)
		} else {
			key, err = s.Put(c.Ctx, value, key)
		}
		if err != nil {
			return err
		}
		return printValue(c.Out, key)
	}
}

func handleDelete(c CommandContext) error {
	key, err := parseArg(c.Args[1])
	if err != nil {
		return err
	}
	return c.DB.Store(c.Args[0]).Delete(c.Ctx, key)
}

func handleCount(c CommandContext) error {
	var q any
	if len(c.Args) > 1 {
		var err error
		if q, err = parseArg(c.Args[1]); err != nil {
			return err
		}
	}
	n, err := c.DB.Store(c.Args[0]).Count(c.Ctx, q)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.Out, n)
	return err
}

func handleClear(c CommandContext) error {
	return c.DB.Store(c.Args[0]).Clear(c.Ctx)
}

func handleLookup(c CommandContext) error {
	key, err := parseArg(c.Args[2])
	if err != nil {
		return err
	}
	v, err := c.DB.Store(c.Args[0]).Index(c.Args[1]).Get(c.Ctx, key)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("no record with %s %v", c.Args[1], key)
	}
	return printValue(c.Out, v)
}

func handleFetch(c CommandContext) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	index := fs.String("index", "", "index to read through")
	dir := fs.String("dir", "next", "next, nextunique, prev or prevunique")
	offset := fs.Int("offset", 0, "records to skip")
	limit := fs.Int("limit", -1, "records to return (all when negative)")
	if err := fs.Parse(c.Args); err != nil || fs.NArg() != 1 {
		return errUsage
	}
	direction, err := idb.ParseDirection(*dir)
	if err != nil {
		return err
	}
	w := idb.Window{Direction: direction, Offset: *offset}
	if *limit >= 0 {
		w.Limit = idb.Limit(*limit)
	}

	s := c.DB.Store(fs.Arg(0))
	var values []idb.Value
	if *index != "" {
		values, err = s.Index(*index).Fetch(c.Ctx, w)
	} else {
		values, err = s.Fetch(c.Ctx, w)
	}
	if err != nil {
		return err
	}
	return printValue(c.Out, values)
}

func handleDestroy(c CommandContext) error {
	if err := c.DB.Destroy(c.Ctx); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.Out, "database %q destroyed\n", c.DB.Name())
	return err
}
