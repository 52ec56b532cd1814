// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command fdtput sets a property on a Flattened Device Tree blob,
// rewriting the file in place.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"git.lukeshu.com/fdt-ng/lib/fdt"
	"git.lukeshu.com/fdt-ng/lib/profile"
	"git.lukeshu.com/fdt-ng/lib/textui"
)

// growthSlack is the extra room fdtput gives OpenInto beyond what the
// new property needs. Pack trims it off again before the file is
// written, so the file on disk carries no slack.
const growthSlack = 1024

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
	var valueType string
	var createNodes bool

	argparser := &cobra.Command{
		Use:   "fdtput FILE NODE PROPERTY VALUE...",
		Short: "Set a property on a Flattened Device Tree blob",

		Args: cliutil.WrapPositionalArgs(cobra.MinimumNArgs(4)),

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.Flags().Var(&logLvl, "verbosity", "set the verbosity")
	argparser.Flags().StringVarP(&valueType, "type", "t", "s", "value type: `s` (string list), `i` (uint32 cell), or `x` (hex bytes)")
	argparser.Flags().BoolVarP(&createNodes, "create", "c", false, "create the node (and any missing ancestors) if it doesn't exist")
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
			return run(ctx, args[0], args[1], args[2], args[3:], valueType, createNodes)
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

func encodeValue(valueType string, rawValues []string) ([]byte, error) {
	switch valueType {
	case "s":
		joined := strings.Join(rawValues, "\x00")
		return append([]byte(joined), 0), nil
	case "i":
		if len(rawValues) != 1 {
			return nil, fmt.Errorf("-t i takes exactly one value")
		}
		u, err := strconv.ParseUint(rawValues[0], 0, 32)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(u))
		return buf, nil
	case "x":
		var buf []byte
		for _, v := range rawValues {
			v = strings.TrimPrefix(v, "0x")
			if len(v)%2 != 0 {
				v = "0" + v
			}
			b, err := hexDecode(v)
			if err != nil {
				return nil, err
			}
			buf = append(buf, b...)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", valueType)
	}
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// resolveOrCreate walks path from the root, creating missing nodes
// along the way when createNodes is set.
func resolveOrCreate(blob []byte, hdr fdt.Header, path string, createNodes bool) ([]byte, fdt.Header, fdt.NodeOffset, error) {
	if !strings.HasPrefix(path, "/") {
		return blob, hdr, 0, fmt.Errorf("node path must start with '/': %q", path)
	}
	cur := fdt.RootOffset
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return blob, hdr, cur, nil
	}
	for _, name := range strings.Split(trimmed, "/") {
		next, err := fdt.SubnodeOffset(blob, hdr, cur, name)
		if err == nil {
			cur = next
			continue
		}
		if !createNodes {
			return blob, hdr, 0, err
		}
		var newHdr fdt.Header
		next, newHdr, err = fdt.AddSubnode(blob, hdr, cur, name)
		if err != nil {
			return blob, hdr, 0, err
		}
		hdr = newHdr
		cur = next
	}
	return blob, hdr, cur, nil
}

func run(ctx context.Context, filename, path, propName string, rawValues []string, valueType string, createNodes bool) error {
	src, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	srcHdr, err := fdt.CheckHeader(src)
	if err != nil {
		return err
	}

	val, err := encodeValue(valueType, rawValues)
	if err != nil {
		return err
	}

	dst := make([]byte, int(srcHdr.TotalSize)+len(path)+len(propName)+len(val)+growthSlack)
	if err := fdt.OpenInto(src, dst); err != nil {
		return err
	}
	hdr, err := fdt.CheckHeader(dst)
	if err != nil {
		return err
	}

	dst, hdr, nodeOff, err := resolveOrCreate(dst, hdr, path, createNodes)
	if err != nil {
		return err
	}

	hdr, err = fdt.SetProp(dst, hdr, nodeOff, propName, val)
	if err != nil {
		return err
	}

	packed, err := fdt.Pack(dst)
	if err != nil {
		return err
	}

	if err := os.WriteFile(filename, packed, 0o644); err != nil {
		return err
	}
	dlog.Infof(ctx, "set %s %s on %s (%d bytes)", path, propName, filename, len(packed))
	return nil
}
