// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command fdtdump pretty-prints a Flattened Device Tree blob, in the
// same spirit as dtc -I dtb -O dts.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"git.lukeshu.com/fdt-ng/lib/fdt"
	"git.lukeshu.com/fdt-ng/lib/profile"
	"git.lukeshu.com/fdt-ng/lib/textui"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

func main() {
	logLvl := logLevelFlag{Level: logrus.InfoLevel}
	var debug, asJSON bool

	argparser := &cobra.Command{
		Use:   "fdtdump FILE",
		Short: "Pretty-print a Flattened Device Tree blob",

		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.Flags().Var(&logLvl, "verbosity", "set the verbosity")
	argparser.Flags().BoolVar(&debug, "debug", false, "dump the decoded header with go-spew instead of printing the tree")
	argparser.Flags().BoolVar(&asJSON, "json", false, "print the tree as JSON instead of dts-like text")
	stopProfile := profile.AddProfileFlags(argparser.Flags(), "profile-")

	argparser.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := logrus.New()
		logger.SetLevel(logLvl.Level)
		ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
			EnableSignalHandling: true,
		})
		grp.Go("main", func(ctx context.Context) error {
			return run(ctx, args[0], debug, asJSON)
		})
		return grp.Wait()
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		_ = stopProfile()
		os.Exit(1)
	}
	if err := stopProfile(); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

func run(ctx context.Context, filename string, debug, asJSON bool) error {
	blob, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	hdr, err := fdt.CheckHeader(blob)
	if err != nil {
		return err
	}

	if debug {
		dlog.Infof(ctx, "decoded header for %q", filename)
		spew.Fdump(os.Stdout, hdr)
		dlog.Debugf(ctx, "memory use: %v", &textui.LiveMemUse{})
		return nil
	}

	if asJSON {
		return dumpJSON(os.Stdout, blob, hdr)
	}
	return dumpText(os.Stdout, blob, hdr)
}

func dumpText(w *os.File, blob []byte, hdr fdt.Header) error {
	fmt.Fprintln(w, "/dts-v1/;")
	fmt.Fprintln(w)
	if n, err := fdt.NumMemRsv(blob, hdr); err == nil && n > 0 {
		for i := 0; i < n; i++ {
			addr, size, err := fdt.GetMemRsv(blob, hdr, i)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "/memreserve/ %#x %#x;\n", addr, size)
		}
		fmt.Fprintln(w)
	}
	return dumpNode(w, blob, hdr, fdt.RootOffset, 0)
}

func dumpNode(w *os.File, blob []byte, hdr fdt.Header, off fdt.NodeOffset, depth int) error {
	indent := func(extra int) string {
		s := ""
		for i := 0; i < depth+extra; i++ {
			s += "\t"
		}
		return s
	}

	name, err := fdt.NodePath(blob, hdr, off)
	if err != nil {
		return err
	}
	label := name
	if off != fdt.RootOffset {
		if i := lastSlash(name); i >= 0 {
			label = name[i+1:]
		}
	}
	fmt.Fprintf(w, "%s%s {\n", indent(0), label)

	if err := fdt.ForEachProperty(blob, hdr, off, func(propName string, val []byte, _ int) (bool, error) {
		fmt.Fprintf(w, "%s%s;\n", indent(1), formatProperty(propName, val))
		return true, nil
	}); err != nil {
		return err
	}

	depthCursor := depth
	child := off
	for {
		next, err := fdt.NextNode(blob, hdr, child, &depthCursor)
		if err != nil {
			break
		}
		if depthCursor <= depth {
			break
		}
		if depthCursor > depth+1 {
			child = next
			continue
		}
		if err := dumpNode(w, blob, hdr, next, depth+1); err != nil {
			return err
		}
		child = next
	}

	fmt.Fprintf(w, "%s};\n", indent(0))
	return nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func formatProperty(name string, val []byte) string {
	if len(val) == 0 {
		return name
	}
	if isPrintableStringList(val) {
		strs := fdt.StringListProperty(val)
		out := name + " = "
		for i, s := range strs {
			if i > 0 {
				out += ", "
			}
			out += fmt.Sprintf("%q", s)
		}
		return out
	}
	out := name + " = ["
	for i, b := range val {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%02x", b)
	}
	return out + "]"
}

func isPrintableStringList(val []byte) bool {
	if val[len(val)-1] != 0 {
		return false
	}
	for _, b := range val {
		if b != 0 && (b < 0x20 || b > 0x7e) {
			return false
		}
	}
	return true
}
