// Package version maintains the immutable snapshot history for assets:
// creation, filtered listing, diffing, revert, branching, merging and tags.
// It holds no long-lived state; every call round-trips through the durable
// store.
package version

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"atelier/api/internal/store"
	"atelier/api/internal/util"
)

const DefaultBranch = "main"

const (
	TagRevert = "revert"
	TagMerge  = "merge"
)

var (
	ErrVersionNotFound = errors.New("version not found")
	ErrBranchNotFound  = errors.New("branch not found")
)

type durableStore interface {
	InsertVersion(context.Context, store.Version) error
	GetVersion(context.Context, string) (store.Version, error)
	ListVersions(context.Context, string, store.VersionFilter) ([]store.Version, error)
	LatestVersion(context.Context, string) (store.Version, error)
	LatestVersionOnBranch(context.Context, string, string) (store.Version, error)
	UpdateVersionTags(context.Context, string, []string) error
	InsertBranch(context.Context, store.Branch) error
	GetBranch(context.Context, string, string) (store.Branch, error)
	ListBranches(context.Context, string) ([]store.Branch, error)
}

type Service struct {
	store durableStore
	now   func() time.Time
}

func NewService(durable durableStore) *Service {
	return &Service{store: durable, now: time.Now}
}

type CreateVersionInput struct {
	AssetID     string
	UserID      string
	Branch      string
	Description string
	Changes     []store.Change
	Tags        []string
}

// CreateVersion commits a fresh immutable version. There is no uniqueness
// constraint; it always succeeds against a healthy store.
func (s *Service) CreateVersion(ctx context.Context, input CreateVersionInput) (store.Version, error) {
	branch := input.Branch
	if branch == "" {
		branch = DefaultBranch
	}
	item := store.Version{
		ID:          util.NewID("ver"),
		AssetID:     input.AssetID,
		UserID:      input.UserID,
		Branch:      branch,
		Description: input.Description,
		Changes:     input.Changes,
		Tags:        dedupe(input.Tags),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.InsertVersion(ctx, item); err != nil {
		return store.Version{}, fmt.Errorf("create version: %w", err)
	}
	return item, nil
}

// ListVersions returns versions newest first. Tag filters require every
// listed tag (AND semantics).
func (s *Service) ListVersions(ctx context.Context, assetID string, filter store.VersionFilter) ([]store.Version, error) {
	items, err := s.store.ListVersions(ctx, assetID, filter)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return items, nil
}

func (s *Service) GetVersion(ctx context.Context, versionID string) (store.Version, error) {
	item, err := s.store.GetVersion(ctx, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Version{}, ErrVersionNotFound
	}
	if err != nil {
		return store.Version{}, fmt.Errorf("get version: %w", err)
	}
	return item, nil
}

// CompareVersions computes the path-keyed diff from version a to version b.
func (s *Service) CompareVersions(ctx context.Context, versionA, versionB string) ([]store.Change, error) {
	a, err := s.GetVersion(ctx, versionA)
	if err != nil {
		return nil, err
	}
	b, err := s.GetVersion(ctx, versionB)
	if err != nil {
		return nil, err
	}
	return diffChangeSets(a.Changes, b.Changes), nil
}

// RevertToVersion commits the inverse of the target version's changes as a
// brand-new version tagged "revert". No existing version is touched; history
// stays append-only.
func (s *Service) RevertToVersion(ctx context.Context, assetID, versionID, userID string) (store.Version, error) {
	target, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return store.Version{}, err
	}

	inverse := make([]store.Change, 0, len(target.Changes))
	for _, change := range target.Changes {
		inverse = append(inverse, invertChange(change))
	}

	return s.CreateVersion(ctx, CreateVersionInput{
		AssetID:     assetID,
		UserID:      userID,
		Branch:      target.Branch,
		Description: fmt.Sprintf("Revert to version %s", versionID),
		Changes:     inverse,
		Tags:        []string{TagRevert},
	})
}

// CreateBranch points a named branch at a base version, defaulting to the
// asset's most recent version. Creating an existing branch is a no-op.
func (s *Service) CreateBranch(ctx context.Context, assetID, name, fromVersionID string) (store.Branch, error) {
	var base store.Version
	var err error
	if fromVersionID == "" {
		base, err = s.store.LatestVersion(ctx, assetID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.Branch{}, ErrVersionNotFound
		}
	} else {
		base, err = s.GetVersion(ctx, fromVersionID)
	}
	if err != nil {
		if errors.Is(err, ErrVersionNotFound) {
			return store.Branch{}, err
		}
		return store.Branch{}, fmt.Errorf("resolve base version: %w", err)
	}

	branch := store.Branch{
		AssetID:       assetID,
		Name:          name,
		BaseVersionID: base.ID,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.InsertBranch(ctx, branch); err != nil {
		return store.Branch{}, fmt.Errorf("create branch: %w", err)
	}
	return branch, nil
}

func (s *Service) ListBranches(ctx context.Context, assetID string) ([]store.Branch, error) {
	items, err := s.store.ListBranches(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	return items, nil
}

// MergeBranches diffs the two branches' latest versions and commits the
// result onto the target branch as a new version tagged "merge".
func (s *Service) MergeBranches(ctx context.Context, assetID, source, target, userID string) (store.Version, error) {
	sourceHead, err := s.branchHead(ctx, assetID, source)
	if err != nil {
		return store.Version{}, err
	}
	targetHead, err := s.branchHead(ctx, assetID, target)
	if err != nil {
		return store.Version{}, err
	}

	changes := diffChangeSets(targetHead.Changes, sourceHead.Changes)

	return s.CreateVersion(ctx, CreateVersionInput{
		AssetID:     assetID,
		UserID:      userID,
		Branch:      target,
		Description: fmt.Sprintf("Merge branch %s into %s", source, target),
		Changes:     changes,
		Tags:        []string{TagMerge},
	})
}

// branchHead resolves a branch's latest version: the newest version stamped
// with the branch name, falling back to the branch's base version when
// nothing has been committed on it yet.
func (s *Service) branchHead(ctx context.Context, assetID, name string) (store.Version, error) {
	branch, err := s.store.GetBranch(ctx, assetID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Version{}, ErrBranchNotFound
	}
	if err != nil {
		return store.Version{}, fmt.Errorf("get branch: %w", err)
	}

	head, err := s.store.LatestVersionOnBranch(ctx, assetID, name)
	if err == nil {
		return head, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Version{}, fmt.Errorf("resolve branch head: %w", err)
	}
	return s.GetVersion(ctx, branch.BaseVersionID)
}

// AddTag appends a tag to a version. Duplicate adds are absorbed; the tag
// ends up present exactly once.
func (s *Service) AddTag(ctx context.Context, versionID, tag string) error {
	item, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	for _, existing := range item.Tags {
		if existing == tag {
			return nil
		}
	}
	tags := append(append([]string(nil), item.Tags...), tag)
	if err := s.store.UpdateVersionTags(ctx, versionID, tags); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionNotFound
		}
		return fmt.Errorf("add tag: %w", err)
	}
	return nil
}

// RemoveTag removes a tag from a version; removing an absent tag is a no-op.
func (s *Service) RemoveTag(ctx context.Context, versionID, tag string) error {
	item, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	tags := make([]string, 0, len(item.Tags))
	found := false
	for _, existing := range item.Tags {
		if existing == tag {
			found = true
			continue
		}
		tags = append(tags, existing)
	}
	if !found {
		return nil
	}
	if err := s.store.UpdateVersionTags(ctx, versionID, tags); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionNotFound
		}
		return fmt.Errorf("remove tag: %w", err)
	}
	return nil
}

// GetVersionsByTag lists the asset's versions carrying a single tag.
func (s *Service) GetVersionsByTag(ctx context.Context, assetID, tag string) ([]store.Version, error) {
	return s.ListVersions(ctx, assetID, store.VersionFilter{Tags: []string{tag}})
}

func invertChange(change store.Change) store.Change {
	switch change.Type {
	case "add":
		return store.Change{Type: "delete", Path: change.Path, PreviousContent: change.Content}
	case "delete":
		return store.Change{Type: "add", Path: change.Path, Content: change.PreviousContent}
	default: // modify
		return store.Change{
			Type:            "modify",
			Path:            change.Path,
			Content:         change.PreviousContent,
			PreviousContent: change.Content,
		}
	}
}

func dedupe(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		result = append(result, tag)
	}
	return result
}
