// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/yeetrun/plugreg/pkg/api"
	"github.com/yeetrun/plugreg/pkg/descriptor"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// printer renders command results. Structured formats emit the JSON wire
// representation; table is for humans.
type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: format}
}

// structured writes v in the structured format and reports whether it did.
func (p *printer) structured(v any) (bool, error) {
	switch p.format {
	case formatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case formatYAML:
		return true, writeYAML(p.w, v)
	}
	return false, nil
}

// writeYAML converts v through its JSON form so field names and ordering
// match the API.
func writeYAML(w io.Writer, v any) error {
	j, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(j, &doc); err != nil {
		return err
	}
	blockStyle(&doc)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	return enc.Close()
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func (p *printer) table(header string, rows func(w io.Writer)) error {
	tw := tabwriter.NewWriter(p.w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, color.New(color.Bold).Sprint(header))
	rows(tw)
	return tw.Flush()
}

func (p *printer) plugins(ps []api.PluginInfo) error {
	if ok, err := p.structured(api.PluginsResponse{Plugins: ps}); ok {
		return err
	}
	return p.table("NAME\tDESCRIPTION", func(w io.Writer) {
		for _, pi := range ps {
			fmt.Fprintf(w, "%s\t%s\n", pi.Name, pi.Description)
		}
	})
}

func (p *printer) variants(vs []api.Variant, skip int) error {
	if ok, err := p.structured(api.FindResponse{Plugins: vs, Skip: skip}); ok {
		return err
	}
	return p.table("DIGEST\tVERSION\tKIND\tTYPE\tARCH\tABI\tSIGNED\tCREATED", func(w io.Writer) {
		for _, v := range vs {
			d := v.Descriptor
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				shortDigest(v.Digest), d.Version, d.Kind, d.FileType, d.Architecture,
				d.PluginVersion, yesNo(v.Signature != ""), v.CreatedAt.Format(time.DateTime))
		}
	})
}

func (p *printer) metadata(md api.Metadata) error {
	if ok, err := p.structured(md); ok {
		return err
	}
	fmt.Fprintf(p.w, "Digest:    %s\n", md.Digest)
	fmt.Fprintf(p.w, "Size:      %d\n", md.Size)
	fmt.Fprintf(p.w, "Created:   %s\n", md.CreatedAt.Format(time.RFC3339))
	if md.Signature != "" {
		fmt.Fprintf(p.w, "Signature: %s\n", md.Signature)
	}
	fmt.Fprintln(p.w)
	return p.descriptors(md.Descriptors)
}

func (p *printer) descriptors(ds []descriptor.Descriptor) error {
	return p.table("NAME\tVERSION\tKIND\tTYPE\tARCH\tABI\tEXPORT\tDESCRIPTION", func(w io.Writer) {
		for _, d := range ds {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				d.Name, d.Version, d.Kind, d.FileType, d.Architecture,
				d.PluginVersion, d.ExportName, d.Description)
		}
	})
}

// upload prints the result of a push. Structured output is the metadata with
// an extra "status" field.
func (p *printer) upload(md api.Metadata, added bool) error {
	status := api.UploadExists
	if added {
		status = api.UploadAdded
	}
	if ok, err := p.structured(struct {
		Status string `json:"status"`
		api.Metadata
	}{status, md}); ok {
		return err
	}
	if added {
		fmt.Fprintf(p.w, "%s %s\n", color.GreenString("added"), md.Digest)
	} else {
		fmt.Fprintf(p.w, "%s %s\n", color.YellowString("exists"), md.Digest)
	}
	return p.descriptors(md.Descriptors)
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// binaryName is the conventional file name for a plugin binary.
func binaryName(d descriptor.Descriptor) string {
	name := strings.ToLower(d.Name)
	switch d.FileType {
	case descriptor.FileTypePE:
		return "memflow_" + name + ".dll"
	case descriptor.FileTypeMach:
		return "libmemflow_" + name + ".dylib"
	default:
		return "libmemflow_" + name + ".so"
	}
}
