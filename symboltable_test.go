// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import "testing"

func TestRangeSymbolTableGetSymbol(t *testing.T) {
	table := NewRangeSymbolTable([]SymbolEntry{
		{Name: "main", Value: 0x1000, Size: 0x50},
		{Name: "helper", Value: 0x1050, Size: 0x20},
		{Name: "zero_size_is_skipped", Value: 0x2000, Size: 0},
	})

	tests := []struct {
		name string
		addr uint64
		want string
		ok   bool
	}{
		{"hit at start", 0x1000, "main", true},
		{"hit mid-function", 0x1049, "main", true},
		{"hit in adjacent symbol", 0x1050, "helper", true},
		{"miss past last symbol", 0x1070, "", false},
		{"zero-size symbol is never indexed", 0x2000, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, name, ok := table.GetSymbol(tt.addr)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if name != tt.want {
				t.Errorf("name = %q, want %q", name, tt.want)
			}
		})
	}
}

func TestItaniumDemangler(t *testing.T) {
	d := NewItaniumDemangler()

	tests := []struct {
		mangled  string
		noParams bool
		want     string
		ok       bool
	}{
		{"_Z3fooi", false, "foo(int)", true},
		{"_Z3fooi", true, "foo", true},
		{"not_a_mangled_name", false, "not_a_mangled_name", false},
	}
	for _, tt := range tests {
		got, ok := d.Demangle(tt.mangled, tt.noParams)
		if ok != tt.ok {
			t.Errorf("Demangle(%q, %v) ok = %v, want %v", tt.mangled, tt.noParams, ok, tt.ok)
		}
		if got != tt.want {
			t.Errorf("Demangle(%q, %v) = %q, want %q", tt.mangled, tt.noParams, got, tt.want)
		}
	}
}
