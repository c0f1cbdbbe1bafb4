// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command plugreg is the command line client for a plugin registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/containerd/errdefs"
	"github.com/fatih/color"
	"github.com/shayne/yargs"
	"github.com/yeetrun/plugreg/pkg/client"
	"golang.org/x/term"
)

type globalFlags struct {
	Registry string `flag:"registry" short:"r" help:"Registry URL (MEMFLOW_REGISTRY)"`
	Token    string `flag:"token" help:"Bearer token for writes, - to prompt (MEMFLOW_TOKEN)"`
	Format   string `flag:"format" short:"f" help:"Output format: table, json or yaml"`
}

var globals globalFlags

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	result, err := yargs.ParseKnownFlags[globalFlags](args, yargs.KnownFlagsOptions{})
	if err != nil {
		return globalFlags{}, nil, err
	}
	g := result.Flags
	if g.Registry == "" {
		g.Registry = os.Getenv("MEMFLOW_REGISTRY")
	}
	if g.Registry == "" {
		g.Registry = client.DefaultRegistry
	}
	if g.Token == "" {
		g.Token = os.Getenv("MEMFLOW_TOKEN")
	}
	switch g.Format {
	case "":
		g.Format = formatTable
	case formatTable, formatJSON, formatYAML:
	default:
		return globalFlags{}, nil, fmt.Errorf("unknown output format %q", g.Format)
	}
	return g, result.RemainingArgs, nil
}

func buildHelpConfig() yargs.HelpConfig {
	return yargs.HelpConfig{
		Command: yargs.CommandInfo{
			Name:        "plugreg",
			Description: "Publish, query and fetch plugin binaries",
			Examples: []string{
				"plugreg plugins",
				"plugreg find coredump --arch x86_64",
				"plugreg push --key signing.pem target/release/libmemflow_coredump.so",
				"plugreg pull coredump:0.2.0",
			},
		},
		SubCommands: map[string]yargs.SubCommandInfo{
			"plugins": {
				Name:        "plugins",
				Description: "List plugin names known to the registry",
				Aliases:     []string{"ls"},
			},
			"find": {
				Name:        "find",
				Description: "List the variants of a plugin, newest first",
				Usage:       "NAME",
				Examples:    []string{"plugreg find coredump --version 0.2.0 --host"},
			},
			"push": {
				Name:        "push",
				Description: "Upload a plugin binary",
				Usage:       "FILE",
				Examples:    []string{"plugreg push --key signing.pem libmemflow_coredump.so"},
			},
			"pull": {
				Name:        "pull",
				Description: "Download the newest matching binary for this platform",
				Usage:       "[REGISTRY/]NAME[:VERSION]",
				Examples: []string{
					"plugreg pull coredump",
					"plugreg pull registry.example.com/coredump:0.2.0 -o plugins/",
				},
			},
			"meta": {
				Name:        "meta",
				Description: "Show the metadata of an artifact",
				Usage:       "DIGEST",
			},
			"rm": {
				Name:        "rm",
				Description: "Delete artifacts from the registry",
				Usage:       "DIGEST [DIGEST...]",
			},
			"sign": {
				Name:        "sign",
				Description: "Print the signature of a file",
				Usage:       "FILE",
				Examples:    []string{"plugreg sign --key signing.pem libmemflow_coredump.so"},
			},
			"keygen": {
				Name:        "keygen",
				Description: "Generate a secp256k1 signing key pair",
				Examples:    []string{"plugreg keygen --out signing.pem"},
			},
		},
	}
}

func main() {
	g, remaining, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	globals = g

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	helpConfig := buildHelpConfig()
	args := yargs.ApplyAliases(remaining, helpConfig)
	handlers := map[string]yargs.SubcommandHandler{
		"plugins": handlePlugins,
		"find":    handleFind,
		"push":    handlePush,
		"pull":    handlePull,
		"meta":    handleMeta,
		"rm":      handleRemove,
		"sign":    handleSign,
		"keygen":  handleKeygen,
	}
	if err := yargs.RunSubcommands(ctx, args, helpConfig, globalFlags{}, handlers); err != nil {
		printCLIError(os.Stderr, err)
		os.Exit(1)
	}
}

func printCLIError(w io.Writer, err error) {
	if err == nil {
		return
	}
	fmt.Fprint(w, color.RedString("error: "))
	fmt.Fprintln(w, err)
	if errdefs.IsUnauthorized(err) {
		fmt.Fprintln(w, "hint: pass --token or set MEMFLOW_TOKEN")
	}
}

// parseCommand parses the flags of the named subcommand. args is what the
// subcommand handler received and may start with the command name.
func parseCommand[T any](name string, args []string) (T, []string, error) {
	if len(args) > 0 && args[0] == name {
		args = args[1:]
	}
	res, err := yargs.ParseFlags[T](args)
	if err != nil {
		var zero T
		return zero, nil, err
	}
	return res.Flags, res.Args, nil
}

func exactArgs(name string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s: expected %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

var errNoToken = errors.New("no token entered")

// token resolves the bearer token. "-" reads it from the terminal.
func token(in *os.File, out io.Writer) (string, error) {
	if globals.Token != "-" {
		return globals.Token, nil
	}
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		b, err := io.ReadAll(io.LimitReader(in, 4096))
		if err != nil {
			return "", err
		}
		t := strings.TrimSpace(string(b))
		if t == "" {
			return "", errNoToken
		}
		return t, nil
	}
	fmt.Fprint(out, "Token: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", errNoToken
	}
	return string(b), nil
}

func newClient(registry string, authed bool, opts ...client.Option) (*client.Client, error) {
	if authed {
		t, err := token(os.Stdin, os.Stderr)
		if err != nil {
			return nil, err
		}
		if t != "" {
			opts = append(opts, client.WithToken(t))
		}
	}
	return client.New(registry, opts...)
}
