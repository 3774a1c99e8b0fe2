package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/johnhnguyen97/moxie-ai/internal/infra/config"
	"github.com/johnhnguyen97/moxie-ai/internal/plugin/api"
)

func runPlugins(args []string) error {
	if len(args) == 0 {
		printPluginsUsage()
		return nil
	}
	switch args[0] {
	case "list":
		cfg, cc, err := loadConfig(configPath())
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		return listPlugins(os.Stdout, cfg, cc)
	case "validate":
		if len(args) < 2 {
			return fmt.Errorf("usage: moxie plugins validate <services.yaml>")
		}
		return validateServices(os.Stdout, args[1])
	default:
		return fmt.Errorf("unknown plugins subcommand: %s\n\nRun 'moxie plugins' for usage", args[0])
	}
}

func printPluginsUsage() {
	fmt.Println(`moxie plugins - Capability inspection

USAGE:
    moxie plugins <COMMAND>

COMMANDS:
    list                        List enabled capabilities and their tools
    validate <services.yaml>    Check a REST services file`)
}

// listPlugins prints the capabilities the config enables. MCP tools are
// only known after connecting, so they are not listed here.
func listPlugins(out io.Writer, cfg *config.Config, cc *config.ClientConfig) error {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	caps, _, err := buildCapabilities(cfg, cc, quiet)
	if err != nil {
		return err
	}
	if len(caps) == 0 {
		fmt.Fprintln(out, "No capabilities enabled.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tCATEGORY\tTOOLS")
	for _, c := range caps {
		m := c.Manifest()
		names := make([]string, 0, len(c.Tools()))
		for _, t := range c.Tools() {
			names = append(names, t.Name)
		}
		tools := "-"
		if len(names) > 0 {
			tools = strings.Join(names, ", ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Version, m.Category, tools)
	}
	return w.Flush()
}

func validateServices(out io.Writer, path string) error {
	services, err := api.LoadServicesFile(path)
	if err != nil {
		fmt.Fprintf(out, "FAIL: %v\n", err)
		return err
	}
	a, err := api.New(api.Config{Services: services})
	if err != nil {
		fmt.Fprintf(out, "FAIL: %v\n", err)
		return err
	}
	for _, s := range services {
		fmt.Fprintf(out, "  %s (%s): %d endpoint(s)\n", s.ID, s.BaseURL, len(s.Endpoints))
	}
	fmt.Fprintf(out, "OK: %d service(s), %d tool(s)\n", a.ServiceCount(), a.EndpointCount())
	return nil
}
