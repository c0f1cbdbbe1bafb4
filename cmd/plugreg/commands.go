// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yeetrun/plugreg/pkg/client"
	"github.com/yeetrun/plugreg/pkg/fileutil"
	"github.com/yeetrun/plugreg/pkg/pki"
)

func handlePlugins(ctx context.Context, args []string) error {
	if _, rest, err := parseCommand[struct{}]("plugins", args); err != nil {
		return err
	} else if err := exactArgs("plugins", rest, 0); err != nil {
		return err
	}
	c, err := newClient(globals.Registry, false)
	if err != nil {
		return err
	}
	ps, err := c.Plugins(ctx)
	if err != nil {
		return err
	}
	return newPrinter(os.Stdout, globals.Format).plugins(ps)
}

type findFlags struct {
	Version       string `flag:"version" help:"Exact plugin version"`
	PluginVersion string `flag:"plugin-version" help:"Plugin ABI version"`
	FileType      string `flag:"file-type" help:"pe, elf or mach"`
	Arch          string `flag:"arch" help:"x86, x86_64, arm or arm64"`
	Digest        string `flag:"digest" help:"Full digest"`
	DigestShort   string `flag:"digest-short" help:"First 7 hex characters of the digest"`
	Skip          int    `flag:"skip" help:"Number of variants to skip"`
	Limit         int    `flag:"limit" short:"n" help:"Maximum number of variants"`
	Host          bool   `flag:"host" help:"Only binaries for this platform"`
}

func (f findFlags) query() (client.Query, error) {
	var q client.Query
	if f.Host {
		q = client.HostFilter()
	}
	q.Version = f.Version
	if f.FileType != "" {
		q.FileType = f.FileType
	}
	if f.Arch != "" {
		q.Architecture = f.Arch
	}
	q.Digest = f.Digest
	q.DigestShort = f.DigestShort
	q.Skip = f.Skip
	q.Limit = f.Limit
	if f.PluginVersion != "" {
		v, err := strconv.ParseUint(f.PluginVersion, 10, 32)
		if err != nil {
			return client.Query{}, fmt.Errorf("invalid --plugin-version %q", f.PluginVersion)
		}
		abi := uint32(v)
		q.PluginVersion = &abi
	}
	return q, nil
}

func handleFind(ctx context.Context, args []string) error {
	flags, rest, err := parseCommand[findFlags]("find", args)
	if err != nil {
		return err
	}
	if err := exactArgs("find", rest, 1); err != nil {
		return err
	}
	q, err := flags.query()
	if err != nil {
		return err
	}
	c, err := newClient(globals.Registry, false)
	if err != nil {
		return err
	}
	vs, err := c.Find(ctx, rest[0], q)
	if err != nil {
		return err
	}
	return newPrinter(os.Stdout, globals.Format).variants(vs, q.Skip)
}

type pushFlags struct {
	Key       string `flag:"key" short:"k" help:"PEM private key to sign the file with"`
	Signature string `flag:"signature" help:"Precomputed hex signature"`
}

func handlePush(ctx context.Context, args []string) error {
	flags, rest, err := parseCommand[pushFlags]("push", args)
	if err != nil {
		return err
	}
	if err := exactArgs("push", rest, 1); err != nil {
		return err
	}
	if flags.Key != "" && flags.Signature != "" {
		return fmt.Errorf("--key and --signature are mutually exclusive")
	}
	data, err := os.ReadFile(rest[0])
	if err != nil {
		return err
	}
	sig := flags.Signature
	if flags.Key != "" {
		s, err := pki.LoadSigner(flags.Key)
		if err != nil {
			return err
		}
		sig = s.Sign(data)
	}
	c, err := newClient(globals.Registry, true)
	if err != nil {
		return err
	}
	res, err := c.Upload(ctx, bytes.NewReader(data), filepath.Base(rest[0]), sig)
	if err != nil {
		return err
	}
	return newPrinter(os.Stdout, globals.Format).upload(res.Metadata, res.Added)
}

type pullFlags struct {
	Output      string `flag:"output" short:"o" help:"Destination file or directory"`
	AnyPlatform bool   `flag:"any-platform" help:"Do not restrict to this platform"`
	FileType    string `flag:"file-type" help:"pe, elf or mach"`
	Arch        string `flag:"arch" help:"x86, x86_64, arm or arm64"`
	PubKey      string `flag:"pubkey" help:"PEM public key the binary must be signed with"`
	Force       bool   `flag:"force" help:"Overwrite an existing file"`
}

func handlePull(ctx context.Context, args []string) error {
	flags, rest, err := parseCommand[pullFlags]("pull", args)
	if err != nil {
		return err
	}
	if err := exactArgs("pull", rest, 1); err != nil {
		return err
	}
	u, err := client.ParseURI(rest[0])
	if err != nil {
		return err
	}
	var opts []client.Option
	if flags.PubKey != "" {
		v, err := pki.LoadVerifier(flags.PubKey)
		if err != nil {
			return err
		}
		opts = append(opts, client.WithVerifier(v))
	}
	registry := globals.Registry
	if u.Registry != "" {
		registry = u.Registry
	}
	c, err := newClient(registry, false, opts...)
	if err != nil {
		return err
	}

	var filter client.Query
	if !flags.AnyPlatform {
		filter = client.HostFilter()
	}
	if flags.FileType != "" {
		filter.FileType = flags.FileType
	}
	if flags.Arch != "" {
		filter.Architecture = flags.Arch
	}
	v, err := c.FindByURI(ctx, u, filter)
	if err != nil {
		return err
	}

	dst, err := pullDestination(flags.Output, binaryName(v.Descriptor))
	if err != nil {
		return err
	}
	if !flags.Force {
		if ok, err := fileutil.Exists(dst); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%s already exists, use --force to overwrite", dst)
		}
	}

	blob, err := c.Download(ctx, v.Digest)
	if err != nil {
		return err
	}
	defer blob.Close()
	n, err := fileutil.CopyToFileAtomic(dst, blob, 0o755)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "pulled %s %s (%d bytes) to %s\n", v.Descriptor.Name, v.Descriptor.Version, n, dst)
	return nil
}

// pullDestination resolves -o. An empty value or an existing directory
// receives the conventional file name; a trailing slash creates the directory.
func pullDestination(output, name string) (string, error) {
	if output == "" {
		return name, nil
	}
	if strings.HasSuffix(output, "/") || strings.HasSuffix(output, string(os.PathSeparator)) {
		return filepath.Join(output, name), nil
	}
	fi, err := os.Stat(output)
	switch {
	case err == nil && fi.IsDir():
		return filepath.Join(output, name), nil
	case err == nil || os.IsNotExist(err):
		return output, nil
	default:
		return "", err
	}
}

func handleMeta(ctx context.Context, args []string) error {
	_, rest, err := parseCommand[struct{}]("meta", args)
	if err != nil {
		return err
	}
	if err := exactArgs("meta", rest, 1); err != nil {
		return err
	}
	c, err := newClient(globals.Registry, false)
	if err != nil {
		return err
	}
	md, err := c.Metadata(ctx, rest[0])
	if err != nil {
		return err
	}
	return newPrinter(os.Stdout, globals.Format).metadata(md)
}

func handleRemove(ctx context.Context, args []string) error {
	_, rest, err := parseCommand[struct{}]("rm", args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("rm: expected at least one digest")
	}
	c, err := newClient(globals.Registry, true)
	if err != nil {
		return err
	}
	for _, d := range rest {
		if err := c.Delete(ctx, d); err != nil {
			return fmt.Errorf("delete %s: %w", d, err)
		}
		fmt.Fprintln(os.Stdout, d)
	}
	return nil
}

type signFlags struct {
	Key string `flag:"key" short:"k" help:"PEM private key"`
}

func handleSign(_ context.Context, args []string) error {
	flags, rest, err := parseCommand[signFlags]("sign", args)
	if err != nil {
		return err
	}
	if err := exactArgs("sign", rest, 1); err != nil {
		return err
	}
	if flags.Key == "" {
		return fmt.Errorf("sign: --key is required")
	}
	s, err := pki.LoadSigner(flags.Key)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(rest[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, s.Sign(data))
	return nil
}

type keygenFlags struct {
	Out   string `flag:"out" short:"o" help:"Private key path (default: signing.pem)"`
	Force bool   `flag:"force" help:"Overwrite existing keys"`
}

func handleKeygen(_ context.Context, args []string) error {
	flags, rest, err := parseCommand[keygenFlags]("keygen", args)
	if err != nil {
		return err
	}
	if err := exactArgs("keygen", rest, 0); err != nil {
		return err
	}
	priv, pub, err := generateKeyPair(flags.Out, flags.Force)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s and %s\n", priv, pub)
	return nil
}

// generateKeyPair writes a new private key to out and its public key to
// out with a .pub suffix.
func generateKeyPair(out string, force bool) (privPath, pubPath string, err error) {
	if out == "" {
		out = "signing.pem"
	}
	privPath, pubPath = out, out+".pub"
	if !force {
		for _, p := range []string{privPath, pubPath} {
			if ok, err := fileutil.Exists(p); err != nil {
				return "", "", err
			} else if ok {
				return "", "", fmt.Errorf("%s already exists, use --force to overwrite", p)
			}
		}
	}
	s, err := pki.GenerateSigner()
	if err != nil {
		return "", "", err
	}
	privPEM, err := s.PrivateKeyPEM()
	if err != nil {
		return "", "", err
	}
	pubPEM, err := pki.MarshalPublicKey(s.PublicKey())
	if err != nil {
		return "", "", err
	}
	if err := fileutil.WriteFileAtomic(privPath, privPEM, 0o600); err != nil {
		return "", "", err
	}
	if err := fileutil.WriteFileAtomic(pubPath, pubPEM, 0o644); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}
