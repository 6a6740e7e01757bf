package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"harness/registry"
)

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() > 1 {
		return fmt.Errorf("status takes at most one service name")
	}

	if fs.NArg() == 1 {
		var entry registry.ServiceEntry
		if err := call("get_service", map[string]string{"name": fs.Arg(0)}, &entry); err != nil {
			return err
		}
		renderStatusTable(os.Stdout, []registry.ServiceEntry{entry})
		return nil
	}

	var entries []registry.ServiceEntry
	if err := call("list_services", nil, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "No services registered.")
		return nil
	}
	renderStatusTable(os.Stdout, entries)
	return nil
}

func renderStatusTable(w io.Writer, entries []registry.ServiceEntry) {
	headers := []string{"NAME", "STATE", "KIND", "LOCATION", "HEALTHY", "DEPENDENCIES"}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	rows := make([][6]string, len(entries))
	for i, e := range entries {
		healthy := "-"
		if e.LastHealth != nil {
			healthy = fmt.Sprintf("%v", e.LastHealth.Healthy)
		}
		rows[i] = [6]string{
			e.Name,
			string(e.State),
			string(e.TargetKind),
			string(e.Location.Kind),
			healthy,
			strings.Join(e.Dependencies, ", "),
		}
		for j, c := range rows[i] {
			if len(c) > widths[j] {
				widths[j] = len(c)
			}
		}
	}

	for i, h := range headers {
		if i > 0 {
			fmt.Fprint(w, "  ")
		}
		fmt.Fprintf(w, "%-*s", widths[i], bold(h))
	}
	fmt.Fprintln(w)

	for _, r := range rows {
		for i, c := range r {
			if i > 0 {
				fmt.Fprint(w, "  ")
			}
			padded := fmt.Sprintf("%-*s", widths[i], c)
			if i == 1 {
				fmt.Fprint(w, colorState(padded))
			} else {
				fmt.Fprint(w, padded)
			}
		}
		fmt.Fprintln(w)
	}
}
