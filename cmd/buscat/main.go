// Command buscat is a small bus exploration tool: it lists names,
// pings peers, reads properties, invokes methods and tails signals.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/busproto/dbus"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/kr/pretty"
)

var globalArgs struct {
	UseSessionBus bool   `flag:"session,Connect to session bus instead of system bus"`
	Socket        string `flag:"socket,Connect to the bus on this unix socket path"`
}

func busConn(ctx context.Context) (*dbus.Conn, error) {
	if globalArgs.Socket != "" {
		return dbus.Dial(ctx, globalArgs.Socket)
	}
	if globalArgs.UseSessionBus {
		return dbus.SessionBus(ctx)
	}
	return dbus.SystemBus(ctx)
}

func main() {
	root := &command.C{
		Name:     "buscat",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "names",
				Usage: "names",
				Help:  "List the names currently present on the bus.",
				Run:   command.Adapt(runNames),
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "whois",
				Usage: "whois peer",
				Help:  "Show the unix credentials of a peer.",
				Run:   command.Adapt(runWhois),
			},
			{
				Name:  "get",
				Usage: "get peer object interface property",
				Help:  "Read one property.",
				Run:   command.Adapt(runGet),
			},
			{
				Name:  "getall",
				Usage: "getall peer object interface",
				Help:  "Read all properties of an interface.",
				Run:   command.Adapt(runGetAll),
			},
			{
				Name:  "call",
				Usage: "call peer object interface method [arg]",
				Help: `Call a method and print its reply.

An optional single string argument is passed as the method's request
body. Methods with other request signatures cannot be called from
this tool.`,
				Run: runCall,
			},
			{
				Name:  "listen",
				Usage: "listen",
				Help:  "Print all bus signals until interrupted.",
				Run:   command.Adapt(runListen),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runNames(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	slices.Sort(names)
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	if err := conn.Peer(peer).Ping(env.Context()); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	return nil
}

func runWhois(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	if uid, err := conn.GetPeerUID(env.Context(), peer); err == nil {
		fmt.Println("UID:", uid)
	} else {
		fmt.Println("UID:", err)
	}
	if pid, err := conn.GetPeerPID(env.Context(), peer); err == nil {
		fmt.Println("PID:", pid)
	} else {
		fmt.Println("PID:", err)
	}
	return nil
}

func runGet(env *command.Env, peer, object, iface, property string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	var val any
	err = conn.Peer(peer).
		Object(dbus.ObjectPath(object)).
		Interface(iface).
		GetProperty(env.Context(), property, &val)
	if err != nil {
		return fmt.Errorf("reading property: %w", err)
	}
	pretty.Println(val)
	return nil
}

func runGetAll(env *command.Env, peer, object, iface string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	props, err := conn.Peer(peer).
		Object(dbus.ObjectPath(object)).
		Interface(iface).
		GetAllProperties(env.Context())
	if err != nil {
		return fmt.Errorf("reading properties: %w", err)
	}
	pretty.Println(props)
	return nil
}

func runCall(env *command.Env) error {
	args := env.Args
	if len(args) < 4 || len(args) > 5 {
		return env.Usagef("wrong number of arguments")
	}
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	var body any
	if len(args) == 5 {
		body = args[4]
	}
	var resp any
	err = conn.Peer(args[0]).
		Object(dbus.ObjectPath(args[1])).
		Interface(args[2]).
		Call(env.Context(), args[3], body, &resp)
	if err != nil {
		return fmt.Errorf("calling %s.%s: %w", args[2], args[3], err)
	}
	if resp != nil {
		pretty.Println(resp)
	}
	return nil
}

func runListen(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	w := conn.Watch()
	defer w.Close()
	if _, err := w.Match(dbus.MatchAllSignals()); err != nil {
		return fmt.Errorf("subscribing to signals: %w", err)
	}

	for {
		select {
		case <-env.Context().Done():
			return nil
		case n, ok := <-w.Chan():
			if !ok {
				return nil
			}
			fmt.Printf("%s %s: %s\n", n.Sender, n.Name, pretty.Sprint(n.Body))
			if n.Overflow {
				fmt.Println("(some signals were dropped)")
			}
		}
	}
}
