package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"kiln/internal/domain"
)

// Image-definition files are templated: the repository is always the
// literal ${repository} placeholder, never a real value, so upstream
// references have a fixed shape.
var referencePattern = regexp.MustCompile(`\$\{repository\}/([A-Za-z0-9._-]+)[:@]`)

// Resolve extracts the set of sibling project names an image-definition
// file depends on. References that do not match a known project are assumed
// to be externally published images and are dropped, never an error.
func Resolve(fileText string, allProjects map[string]bool) map[string]bool {
	deps := make(map[string]bool)
	for _, match := range referencePattern.FindAllStringSubmatch(fileText, -1) {
		name := match[1]
		if allProjects[name] {
			deps[name] = true
		}
	}
	return deps
}

// Project is one buildable image source directory.
type Project struct {
	Name           string
	Dir            string
	DefinitionPath string
}

// Graph is the dependency graph over all buildable projects.
type Graph struct {
	Projects map[string]*Project
	// Deps maps a project name to its sorted upstream project names.
	Deps map[string][]string
}

// Build reads every project's definition file once and assembles the
// adjacency map, rejecting cycles explicitly.
func Build(projects []*Project) (*Graph, error) {
	g := &Graph{
		Projects: make(map[string]*Project, len(projects)),
		Deps:     make(map[string][]string, len(projects)),
	}
	names := make(map[string]bool, len(projects))
	for _, p := range projects {
		if _, dup := g.Projects[p.Name]; dup {
			return nil, domain.NewError(domain.ErrCodeConfig, fmt.Sprintf("duplicate project name %q", p.Name))
		}
		g.Projects[p.Name] = p
		names[p.Name] = true
	}

	// First pass: parse all raw text. Second pass below walks the adjacency
	// for cycles, so declaration order never matters.
	for _, p := range projects {
		text, err := os.ReadFile(p.DefinitionPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read definition for project %s: %w", p.Name, err)
		}
		deps := Resolve(string(text), names)
		sorted := make([]string, 0, len(deps))
		for name := range deps {
			sorted = append(sorted, name)
		}
		sort.Strings(sorted)
		g.Deps[p.Name] = sorted
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, domain.NewError(domain.ErrCodeConfig,
			fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")))
	}
	return g, nil
}

// findCycle returns one dependency cycle as a path, or nil.
func (g *Graph) findCycle() []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.Deps))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range g.Deps[name] {
			switch state[dep] {
			case visiting:
				for i, n := range stack {
					if n == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	names := make([]string, 0, len(g.Deps))
	for name := range g.Deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if state[name] == unvisited {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Discover scans root for project directories containing a definition file.
func Discover(root, definitionName string) ([]*Project, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read project root %s: %w", root, err)
	}
	var projects []*Project
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		def := filepath.Join(root, entry.Name(), definitionName)
		if _, err := os.Stat(def); err != nil {
			continue
		}
		projects = append(projects, &Project{
			Name:           entry.Name(),
			Dir:            filepath.Join(root, entry.Name()),
			DefinitionPath: def,
		})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}
