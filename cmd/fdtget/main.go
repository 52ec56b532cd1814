// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command fdtget reads one or more properties out of a Flattened
// Device Tree blob.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"git.lukeshu.com/fdt-ng/lib/containers"
	"git.lukeshu.com/fdt-ng/lib/fdt"
	"git.lukeshu.com/fdt-ng/lib/profile"
	"git.lukeshu.com/fdt-ng/lib/textui"
)

// queryProgress is reported through textui.Progress while a large
// NODE PROPERTY argument list is being walked, so a slow run against
// an oversized blob doesn't sit silent at debug verbosity.
type queryProgress struct {
	Done, Total int
}

func (p queryProgress) String() string {
	return fmt.Sprintf("queried %d/%d properties", p.Done, p.Total)
}

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
	var asString, asUint32 bool

	argparser := &cobra.Command{
		Use:   "fdtget FILE (NODE PROPERTY)...",
		Short: "Read properties out of a Flattened Device Tree blob",

		Args: cliutil.WrapPositionalArgs(func(cmd *cobra.Command, args []string) error {
			if len(args) < 3 || (len(args)-1)%2 != 0 {
				return fmt.Errorf("expected FILE followed by one or more NODE PROPERTY pairs")
			}
			return nil
		}),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.Flags().Var(&logLvl, "verbosity", "set the verbosity")
	argparser.Flags().BoolVar(&asString, "string", false, "print the value as a NUL-separated string list")
	argparser.Flags().BoolVar(&asUint32, "uint32", false, "print the value as a big-endian uint32 cell")
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
			return run(ctx, args[0], args[1:], asString, asUint32)
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

func run(ctx context.Context, filename string, pairs []string, asString, asUint32 bool) error {
	blob, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	hdr, err := fdt.CheckHeader(blob)
	if err != nil {
		return err
	}

	// Queries often repeat a node path ("/soc/uart@1000",
	// "/soc/uart@1000", ...); cache resolved node paths so repeated
	// lookups of the same node don't re-walk the tag stream.
	pathCache := containers.NewLRUCache[string, fdt.NodeOffset](32)

	total := len(pairs) / 2
	progress := textui.NewProgress[queryProgress](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	defer progress.Done()

	exit := 0
	for i := 0; i+1 < len(pairs); i += 2 {
		progress.Set(queryProgress{Done: i / 2, Total: total})
		path, propName := pairs[i], pairs[i+1]

		nodeOff, ok := pathCache.Get(path)
		if !ok {
			var perr error
			nodeOff, perr = fdt.PathOffset(blob, hdr, path)
			if perr != nil {
				dlog.Errorf(ctx, "%s %s: %v", path, propName, perr)
				exit = 1
				continue
			}
			pathCache.Add(path, nodeOff)
		}

		val, err := fdt.GetPropValue(blob, hdr, nodeOff, propName)
		if err != nil {
			dlog.Errorf(ctx, "%s %s: %v", path, propName, err)
			exit = 1
			continue
		}

		switch {
		case asUint32:
			u, err := fdt.Uint32Property(val)
			if err != nil {
				dlog.Errorf(ctx, "%s %s: %v", path, propName, err)
				exit = 1
				continue
			}
			fmt.Printf("%d\n", u)
		case asString:
			for _, s := range fdt.StringListProperty(val) {
				fmt.Println(s)
			}
		default:
			fmt.Printf("%x\n", val)
		}
	}
	progress.Set(queryProgress{Done: total, Total: total})
	if exit != 0 {
		os.Exit(exit)
	}
	return nil
}
