// Copyright 2016 The Sandpass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// kpdb is a small driver around the keepass package: it decrypts a
// database and prints its tree, or converts between the KDB and KDBX
// formats.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"zombiezen.com/go/keepass/pkg/keepass"
)

var (
	password string
	keyFile  string
	verbose  bool
)

func main() {
	root := &cobra.Command{
		Use:           "kpdb",
		Short:         "Inspect and convert KeePass databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&password, "password", "p", "", "database password")
	root.PersistentFlags().StringVarP(&keyFile, "keyfile", "k", "", "path to a key file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	show := &cobra.Command{
		Use:   "show <file>",
		Short: "Decrypt a database and print its tree as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := importDatabase(args[0])
			if err != nil {
				return err
			}
			fmt.Println(db.Root.JSON())
			return nil
		},
	}

	var format string
	convert := &cobra.Command{
		Use:   "convert <in> <out>",
		Short: "Re-encrypt a database, optionally switching formats",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := importDatabase(args[0])
			if err != nil {
				return err
			}
			key, opts, err := credentials()
			if err != nil {
				return err
			}
			switch format {
			case "kdb":
				return keepass.ExportKDB(args[1], db, key, opts)
			case "kdbx":
				return keepass.ExportKDBX(args[1], db, key, opts)
			case "":
				return keepass.Export(args[1], db, key, opts)
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}
	convert.Flags().StringVar(&format, "format", "", "output format: kdb or kdbx (default: keep)")

	root.AddCommand(show, convert)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kpdb:", err)
		os.Exit(1)
	}
}

func credentials() (*keepass.Key, *keepass.Options, error) {
	key := new(keepass.Key)
	if password != "" {
		key.SetPassword(password)
	}
	if keyFile != "" {
		f, err := os.Open(keyFile)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		if err := key.SetKeyFile(f); err != nil {
			return nil, nil, err
		}
	}
	if key.Empty() {
		// An empty password is still a valid credential.
		key.SetPassword("")
	}
	opts := new(keepass.Options)
	if verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, nil, err
		}
		opts.Logger = logger
	}
	return key, opts, nil
}

func importDatabase(path string) (*keepass.Database, error) {
	key, opts, err := credentials()
	if err != nil {
		return nil, err
	}
	return keepass.Import(path, key, opts)
}
