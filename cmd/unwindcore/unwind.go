// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	unwindcore "github.com/aspace/unwindcore"
	"github.com/aspace/unwindcore/log"
)

func selectArch(name string) (unwindcore.Architecture, error) {
	switch name {
	case "amd64", "x86-64":
		return unwindcore.AMD64{}, nil
	case "arm":
		return unwindcore.ARM32{}, nil
	default:
		return nil, fmt.Errorf("unwindcore: unknown -arch %q, want amd64 or arm", name)
	}
}

func runUnwind(cmd *cobra.Command, args []string) error {
	level := log.LevelError
	if verbose {
		level = log.LevelDebug
	}
	logger := log.NewFilter(log.NewStdLogger(os.Stderr), log.FilterLevel(level))

	selectedArch, err := selectArch(arch)
	if err != nil {
		return err
	}

	regions, err := loadRegionFixture(regionsPath)
	if err != nil {
		return fmt.Errorf("loading regions: %w", err)
	}
	regs, err := loadRegisterFixture(regsPath)
	if err != nil {
		return fmt.Errorf("loading registers: %w", err)
	}
	var stack []byte
	if stackPath != "" {
		stack, err = os.ReadFile(stackPath)
		if err != nil {
			return fmt.Errorf("loading stack dump: %w", err)
		}
	}

	manager := unwindcore.NewAddressSpaceManager(unwindcore.Options{
		Logger: logger,
		Arch:   selectedArch,
	})
	delta := manager.Reload(regions, unwindcore.FileLoader(true, true))
	log.NewHelper(logger).Infof("reload: %d binaries mapped, %d regions mapped",
		len(delta.BinariesMapped), len(delta.RegionsMapped))

	driver := unwindcore.NewUnwindDriver(manager, selectedArch, 0)

	var frames []unwindcore.UserFrame
	driver.Unwind(regs, stack, &frames)

	demangler := unwindcore.NewItaniumDemangler()
	for i, f := range frames {
		binName := "<unknown>"
		if binRec, ok := manager.BinaryForAddress(f.Address); ok {
			binName = binRec.Name
		}
		manager.DecodeSymbolWhile(f.InitialAddress, demangler, noParams, func(frame unwindcore.Frame) bool {
			name := frame.DemangledName
			if name == "" {
				name = "<unresolved>"
			}
			fmt.Printf("#%-3d %#016x  %s (%s)\n", i, f.Address, name, binName)
			return false
		})
	}
	return nil
}
