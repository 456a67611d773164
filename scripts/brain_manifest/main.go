// Command brain_manifest compiles every brain script of both engines and emits a manifest.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/runner/internal/app/engine"
	"github.com/coachpo/runner/internal/app/engine/script"
	"github.com/coachpo/runner/internal/domain/runstore"
)

type manifest struct {
	Engines map[string][]script.ModuleSummary `json:"engines"`
}

type usageExport struct {
	Runs []runstore.Record `json:"runs"`
}

type options struct {
	testDir       string
	productionDir string
	out           string
	usage         string
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "brain_manifest: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	m := manifest{Engines: make(map[string][]script.ModuleSummary, 2)}
	sources := []struct {
		kind engine.Kind
		dir  string
	}{
		{kind: engine.KindTest, dir: opts.testDir},
		{kind: engine.KindProduction, dir: opts.productionDir},
	}
	total := 0
	for _, src := range sources {
		loader, err := script.NewLoader(src.dir)
		if err != nil {
			return err
		}
		if err := loader.Refresh(ctx); err != nil {
			return fmt.Errorf("%s engine: %w", src.kind, err)
		}
		brains := loader.List()
		m.Engines[string(src.kind)] = brains
		total += len(brains)
	}

	if err := writeManifest(opts.out, m); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s generated for %d brains\n", opts.out, total)

	if opts.usage == "" {
		return nil
	}
	unused, err := unusedBrains(opts.usage, m)
	if err != nil {
		return err
	}
	if len(unused) == 0 {
		fmt.Fprintln(stdout, "usage report: every brain has recorded runs")
		return nil
	}
	fmt.Fprintln(stdout, "usage report: brains with no recorded runs:")
	for _, line := range unused {
		fmt.Fprintf(stdout, "  - %s\n", line)
	}
	return nil
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("brain_manifest", flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.testDir, "test", "strategies/test", "Brain scripts of the test engine")
	fs.StringVar(&opts.productionDir, "production", "strategies/production", "Brain scripts of the production engine")
	fs.StringVar(&opts.out, "out", "strategies/manifest.json", "Manifest output path")
	fs.StringVar(&opts.usage, "usage", "", "Path to a GET /runs export for the usage report")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts.out = strings.TrimSpace(opts.out)
	opts.usage = strings.TrimSpace(opts.usage)
	if opts.out == "" {
		return options{}, errors.New("-out required")
	}
	return opts, nil
}

func writeManifest(path string, m manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("ensure directory for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp manifest %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename manifest %s: %w", path, err)
	}
	return nil
}

// unusedBrains lists "engine/brain" entries of m that never appear in the runs export.
// The export may be the GET /runs body or a bare record array.
func unusedBrains(path string, m manifest) ([]string, error) {
	// #nosec G304 -- path is an operator-supplied flag.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read usage export %s: %w", path, err)
	}
	var payload usageExport
	if err := json.Unmarshal(data, &payload); err != nil {
		var direct []runstore.Record
		if err2 := json.Unmarshal(data, &direct); err2 != nil {
			return nil, fmt.Errorf("decode usage export %s: %w", path, err)
		}
		payload.Runs = direct
	}

	used := make(map[string]struct{}, len(payload.Runs))
	for _, record := range payload.Runs {
		key := strings.ToLower(strings.TrimSpace(record.Engine)) + "/" +
			strings.ToLower(strings.TrimSpace(record.Brain))
		used[key] = struct{}{}
	}

	var unused []string
	for kind, brains := range m.Engines {
		for _, brain := range brains {
			key := kind + "/" + brain.Name
			if _, ok := used[key]; !ok {
				unused = append(unused, key)
			}
		}
	}
	sort.Strings(unused)
	return unused, nil
}
