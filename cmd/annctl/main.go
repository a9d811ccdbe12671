// Package main provides annctl, the command line client of an ann database.
//
// Usage:
//
//	annctl [--db path | --config file] <command> [args]
//
// Commands:
//
//	create      - create a collection
//	insert      - insert a vector with JSON metadata
//	get         - print a row
//	delete      - delete a row
//	search      - k-nearest-neighbour search
//	checkpoint  - persist the index of a collection
//	compact     - remove deleted entries from an index
//	repair      - rebuild an unavailable collection
//	stats       - print collection counters
//	collections - list collections
//	drop        - drop a collection
package main

import (
	"fmt"
	"os"

	"github.com/viant/sqlite-ann/cmd/annctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
