package builder

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Context is the immutable build context of one step invocation: the source
// directory, the image-definition file and the ignore patterns applied to
// the context snapshot.
type Context struct {
	Dir            string
	DockerfilePath string
	IgnorePatterns []string
}

// PrepareContext snapshots a project directory into a build context,
// reading the ignore file if present.
func PrepareContext(dir, dockerfile string) (*Context, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("build context %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("build context %s is not a directory", dir)
	}
	if _, err := os.Stat(dockerfile); err != nil {
		return nil, fmt.Errorf("image definition %s: %w", dockerfile, err)
	}

	patterns, err := readIgnoreFile(filepath.Join(dir, ".dockerignore"))
	if err != nil {
		return nil, err
	}

	return &Context{
		Dir:            dir,
		DockerfilePath: dockerfile,
		IgnorePatterns: patterns,
	}, nil
}

// readIgnoreFile parses an ignore file into its patterns. Blank lines and
// comments are dropped; a missing file means no exclusions.
func readIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ignore file %s: %w", path, err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ignore file %s: %w", path, err)
	}
	return patterns, nil
}
