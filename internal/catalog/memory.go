package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process catalog with the same semantics as the
// Postgres catalog. It backs dry-run ingestion and tests.
type Memory struct {
	mu         sync.Mutex
	packs      map[uuid.UUID]*Pack
	artifacts  map[string]*MediaArtifact
	pairs      map[uuid.UUID]*PreviewPair
	ingestions map[string]*PackIngestion
	commits    int
}

func NewMemory() *Memory {
	return &Memory{
		packs:      make(map[uuid.UUID]*Pack),
		artifacts:  make(map[string]*MediaArtifact),
		pairs:      make(map[uuid.UUID]*PreviewPair),
		ingestions: make(map[string]*PackIngestion),
	}
}

func (mem *Memory) Ingestion(_ context.Context, archiveLocation string) (*PackIngestion, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	if ing, ok := mem.ingestions[archiveLocation]; ok {
		cp := *ing
		return &cp, nil
	}
	return nil, nil
}

func (mem *Memory) Pack(_ context.Context, id uuid.UUID) (*Pack, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	if pack, ok := mem.packs[id]; ok {
		cp := *pack
		return &cp, nil
	}
	return nil, ErrPackNotFound
}

func (mem *Memory) Artifacts(_ context.Context, packID uuid.UUID) ([]*MediaArtifact, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	out := make([]*MediaArtifact, 0)
	for _, a := range mem.artifacts {
		if a.PackID == packID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationPath < out[j].DestinationPath })
	return out, nil
}

func (mem *Memory) PreviewPairs(_ context.Context, packID uuid.UUID) ([]*PreviewPair, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	out := make([]*PreviewPair, 0)
	for _, p := range mem.pairs {
		if p.PackID == packID {
			cp := *p
			out = append(out, &cp)
		}
	}
	// Matches the Postgres ordering: creation time, then unit name bytewise
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UnitName < out[j].UnitName
	})
	return out, nil
}

// Commits returns the number of successful commits made.
func (mem *Memory) Commits() int {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.commits
}

// Commit applies the commit to a copy of the state and only swaps it in
// once every step has succeeded.
func (mem *Memory) Commit(ctx context.Context, commit *Commit) (*CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mem.mu.Lock()
	defer mem.mu.Unlock()

	if commit.Ingestion == nil {
		return nil, ErrPackNotFound
	}

	now := time.Now()
	result := &CommitResult{}
	packs := cloneMap(mem.packs)
	artifacts := cloneMap(mem.artifacts)
	pairs := cloneMap(mem.pairs)

	if commit.Pack != nil {
		pack := *commit.Pack
		if existing, ok := packs[pack.ID]; ok {
			pack.CreatedAt = existing.CreatedAt
			pack.ArchiveLocation = existing.ArchiveLocation
			pack.Category = existing.Category
			if pack.ThumbnailPath == nil {
				pack.ThumbnailPath = existing.ThumbnailPath
			}
			if pack.PreviewPath == nil {
				pack.PreviewPath = existing.PreviewPath
			}
		} else {
			pack.CreatedAt = now
		}
		pack.UpdatedAt = now
		packs[pack.ID] = &pack
	} else if _, ok := packs[commit.Ingestion.PackID]; !ok {
		return nil, ErrPackNotFound
	}

	for _, a := range commit.Artifacts {
		artifact := *a
		existing, ok := artifacts[artifact.DestinationPath]
		if ok {
			artifact.ID = existing.ID
			artifact.CreatedAt = existing.CreatedAt
			if artifact.PreviewPath == nil {
				artifact.PreviewPath = existing.PreviewPath
			}
			artifact.DurationSeconds = max(artifact.DurationSeconds, existing.DurationSeconds)
		} else {
			artifact.CreatedAt = now
		}
		artifact.UpdatedAt = now
		artifacts[artifact.DestinationPath] = &artifact
		result.count(!ok)
	}

	for _, p := range commit.Pairs {
		pair := *p
		existing, ok := pairs[pair.ID]
		if ok {
			pair.CreatedAt = existing.CreatedAt
			if existing.TablePath != nil {
				pair.TablePath = existing.TablePath
				pair.TableFileName = existing.TableFileName
			}
		} else {
			pair.CreatedAt = now
		}
		pair.UpdatedAt = now
		pairs[pair.ID] = &pair
		result.count(!ok)
	}

	for _, fill := range commit.Fills {
		pair, ok := pairs[fill.PairID]
		if !ok || pair.TablePath != nil {
			result.Rejected = append(result.Rejected, fill)
			continue
		}

		updated := *pair
		tablePath, tableName := fill.TablePath, fill.TableFileName
		updated.TablePath = &tablePath
		updated.TableFileName = &tableName
		updated.UpdatedAt = now
		pairs[fill.PairID] = &updated
		result.Updated++
	}

	ingestion := *commit.Ingestion
	ingestion.CompletedAt = now

	mem.packs, mem.artifacts, mem.pairs = packs, artifacts, pairs
	mem.ingestions[ingestion.ArchiveLocation] = &ingestion
	mem.commits++
	return result, nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
