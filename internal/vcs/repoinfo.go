package vcs

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

// RepoInfo captures the version-control facts one orchestration run needs.
// It is computed exactly once at run start and passed down; nothing is
// memoized across runs.
type RepoInfo struct {
	Branch        string
	CommitSHA     string
	CommitTime    time.Time
	TagsAtHead    []string
	HighestStable string // highest non-prerelease semver tag in the repo, "" if none
}

// Load reads repository facts from the work tree containing dir.
func Load(dir string, logger *zap.Logger) (*RepoInfo, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", dir, err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD reference: %w", err)
	}

	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD commit: %w", err)
	}

	branch := head.Name().Short()
	if !head.Name().IsBranch() {
		// Detached HEAD; fall back to the abbreviated commit.
		branch = head.Hash().String()[:7]
	}

	info := &RepoInfo{
		Branch:     branch,
		CommitSHA:  head.Hash().String(),
		CommitTime: commit.Committer.When,
	}

	tags, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	var highest *semver.Version
	err = tags.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		target := ref.Hash()
		if tagObj, tagErr := repo.TagObject(target); tagErr == nil {
			if c, cErr := tagObj.Commit(); cErr == nil {
				target = c.Hash
			}
		}
		if target == head.Hash() {
			info.TagsAtHead = append(info.TagsAtHead, name)
		}
		if v := parseStableVersion(name); v != nil {
			if highest == nil || highest.LessThan(*v) {
				highest = v
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate tags: %w", err)
	}
	sort.Strings(info.TagsAtHead)
	if highest != nil {
		info.HighestStable = highest.String()
	}

	logger.Debug("Repository info loaded",
		zap.String("branch", info.Branch),
		zap.String("commit", info.CommitSHA),
		zap.Strings("tags_at_head", info.TagsAtHead),
		zap.String("highest_stable", info.HighestStable),
	)

	return info, nil
}

// DefaultTags derives the image tag set when none is configured. A stable
// three-part version tag on HEAD yields {version, major.minor, major}, plus
// "latest" when that version is the highest stable tag in the repository.
// Otherwise the sanitized branch name is the single tag.
func (r *RepoInfo) DefaultTags() []string {
	for _, tag := range r.TagsAtHead {
		v := parseStableVersion(tag)
		if v == nil {
			continue
		}
		tags := []string{
			v.String(),
			fmt.Sprintf("%d.%d", v.Major, v.Minor),
			fmt.Sprintf("%d", v.Major),
		}
		if r.HighestStable == v.String() {
			tags = append(tags, "latest")
		}
		return tags
	}
	return []string{SanitizeRef(r.Branch)}
}

// parseStableVersion parses a three-part semantic version, rejecting
// prereleases. A leading "v" is accepted.
func parseStableVersion(tag string) *semver.Version {
	v, err := semver.NewVersion(strings.TrimPrefix(tag, "v"))
	if err != nil {
		return nil
	}
	if v.PreRelease != "" || v.Metadata != "" {
		return nil
	}
	return v
}

// SanitizeRef maps a git ref name onto the registry-safe tag character set:
// letters, digits, '.', '_' and '-'. Everything else becomes '-'. The
// mapping is idempotent.
func SanitizeRef(ref string) string {
	var b strings.Builder
	b.Grow(len(ref))
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
