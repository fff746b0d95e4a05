// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	arch        string
	regionsPath string
	regsPath    string
	stackPath   string
	noParams    bool
	verbose     bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "unwindcore",
		Short: "A native stack unwinder address-space harness",
		Long:  "A demo harness for exercising the unwindcore address-space core",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Long:  "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("You are using version 0.1.0")
		},
	}

	var unwindCmd = &cobra.Command{
		Use:   "unwind",
		Short: "Reload a region map and unwind one stack",
		Long:  "Reads a -regions fixture, loads each referenced ELF, then unwinds a -registers/-stack pair through it",
		RunE:  runUnwind,
	}
	unwindCmd.Flags().StringVar(&arch, "arch", "amd64", "target architecture: amd64 or arm")
	unwindCmd.Flags().StringVar(&regionsPath, "regions", "", "path to a JSON region-list fixture")
	unwindCmd.Flags().StringVar(&regsPath, "registers", "", "path to a JSON register-bank fixture")
	unwindCmd.Flags().StringVar(&stackPath, "stack", "", "path to a raw stack-memory dump")
	unwindCmd.Flags().BoolVar(&noParams, "no-params", false, "demangle without parameter lists")
	unwindCmd.MarkFlagRequired("regions")
	unwindCmd.MarkFlagRequired("registers")

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(unwindCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
