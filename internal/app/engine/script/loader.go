// Package script implements a strategy engine that runs JavaScript brains with goja.
package script

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// ErrBrainNotFound reports a brain with no matching script.
var ErrBrainNotFound = errors.New("brain script not found")

// Loader compiles brain scripts sourced from a directory.
type Loader struct {
	mu     sync.RWMutex
	root   string
	byName map[string]*Module
}

// Module is a compiled brain script.
type Module struct {
	Name        string
	Description string
	Filename    string
	Path        string
	Hash        string
	Program     *goja.Program
}

// ModuleSummary exposes immutable module details for control APIs.
type ModuleSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	File        string `json:"file"`
	Hash        string `json:"hash"`
}

type metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// NewLoader constructs a Loader rooted at the provided directory.
func NewLoader(root string) (*Loader, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("brain loader: root directory required")
	}
	clean := filepath.Clean(trimmed)
	if err := os.MkdirAll(clean, 0o750); err != nil {
		return nil, fmt.Errorf("brain loader: ensure directory %q: %w", clean, err)
	}
	return &Loader{
		mu:     sync.RWMutex{},
		root:   clean,
		byName: make(map[string]*Module),
	}, nil
}

// Root returns the filesystem root used by the loader.
func (l *Loader) Root() string {
	if l == nil {
		return ""
	}
	return l.root
}

// Refresh replaces the in-memory modules with the scripts currently on disk.
func (l *Loader) Refresh(ctx context.Context) error {
	if l == nil {
		return fmt.Errorf("brain loader: nil receiver")
	}
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return fmt.Errorf("brain loader: read directory %q: %w", l.root, err)
	}

	next := make(map[string]*Module)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("brain loader: refresh canceled: %w", err)
		}
		if entry.IsDir() || !isJavaScriptFile(entry.Name()) {
			continue
		}
		fullPath := filepath.Join(l.root, entry.Name())
		module, err := compileModule(fullPath, entry)
		if err != nil {
			return err
		}
		key := strings.ToLower(module.Name)
		if _, exists := next[key]; exists {
			return fmt.Errorf("brain loader: duplicate brain name %q", module.Name)
		}
		next[key] = module
	}

	l.mu.Lock()
	l.byName = next
	l.mu.Unlock()
	return nil
}

// Get returns the compiled module for the named brain.
func (l *Loader) Get(name string) (*Module, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	module, ok := l.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrBrainNotFound
	}
	return module, nil
}

// List returns the loaded brain catalog ordered by name.
func (l *Loader) List() []ModuleSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ModuleSummary, 0, len(l.byName))
	for _, module := range l.byName {
		out = append(out, ModuleSummary{
			Name:        module.Name,
			Description: module.Description,
			File:        module.Filename,
			Hash:        module.Hash,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func isJavaScriptFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}

func compileModule(fullPath string, entry fs.DirEntry) (*Module, error) {
	// #nosec G304 -- fullPath originates from os.ReadDir and filepath.Join within loader root.
	source, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("brain loader: read %q: %w", fullPath, err)
	}
	prog, err := goja.Compile(fullPath, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("brain loader: compile %q: %w", fullPath, err)
	}
	meta, err := extractMetadata(prog)
	if err != nil {
		return nil, fmt.Errorf("brain loader: %s: %w", fullPath, err)
	}
	if meta.Name == "" {
		meta.Name = strings.ToLower(strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
	}

	sum := sha256.Sum256(source)
	return &Module{
		Name:        meta.Name,
		Description: meta.Description,
		Filename:    entry.Name(),
		Path:        fullPath,
		Hash:        hex.EncodeToString(sum[:]),
		Program:     prog,
	}, nil
}

func extractMetadata(program *goja.Program) (metadata, error) {
	rt := goja.New()
	exports, err := runModule(rt, program, nil)
	if err != nil {
		return metadata{}, err
	}
	start := exports.Get("start")
	if _, ok := goja.AssertFunction(start); !ok {
		return metadata{}, fmt.Errorf("start export must be a function")
	}
	var meta metadata
	raw := exports.Get("metadata")
	if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
		return meta, nil
	}
	if err := rt.ExportTo(raw, &meta); err != nil {
		return metadata{}, fmt.Errorf("metadata export invalid: %w", err)
	}
	meta.Name = strings.ToLower(strings.TrimSpace(meta.Name))
	meta.Description = strings.TrimSpace(meta.Description)
	return meta, nil
}

// consoleFunc receives console output from a running script.
type consoleFunc func(level string, args []string)

func runModule(rt *goja.Runtime, program *goja.Program, console consoleFunc) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt, console)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func buildConsole(rt *goja.Runtime, sink consoleFunc) *goja.Object {
	console := rt.NewObject()
	bind := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if sink == nil {
				return goja.Undefined()
			}
			args := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				args = append(args, arg.String())
			}
			sink(level, args)
			return goja.Undefined()
		}
	}
	_ = console.Set("log", bind("info"))
	_ = console.Set("info", bind("info"))
	_ = console.Set("warn", bind("warn"))
	_ = console.Set("error", bind("error"))
	_ = console.Set("debug", bind("debug"))
	return console
}
