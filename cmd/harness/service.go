package main

import (
	"flag"
	"fmt"
	"os"

	"harness/registry"
)

func runStart(args []string) error { return runServiceOp("start", "start_service", args) }
func runStop(args []string) error  { return runServiceOp("stop", "stop_service", args) }
func runRestart(args []string) error { return runServiceOp("restart", "restart_service", args) }

// runServiceOp parses names (defaulting to every registered service) and
// invokes action once per name, reporting each result as it arrives and
// returning the first failure once all have been attempted.
func runServiceOp(label, action string, args []string) error {
	fs := flag.NewFlagSet(label, flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	names := fs.Args()
	if len(names) == 0 {
		var err error
		names, err = allServiceNames()
		if err != nil {
			return err
		}
	}
	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "harness: no services registered")
		return nil
	}

	var first error
	for _, name := range names {
		var result map[string]string
		err := call(action, map[string]string{"name": name}, &result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%-20s %s\n", name, colorResult(err.Error(), false))
			if first == nil {
				first = err
			}
			continue
		}
		fmt.Printf("%-20s %s\n", name, colorResult(result["result"], true))
	}
	return first
}

func allServiceNames() ([]string, error) {
	var entries []registry.ServiceEntry
	if err := call("list_services", nil, &entries); err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}
