package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cycleline/internal/config"
	"cycleline/internal/domain"
	"cycleline/internal/repo"
)

// ResolveCycleAndConfig picks the active cycle and ensures a cycle + config
// exist in DB, seeding defaults if missing. It prefers overrides, then the
// single-cycle DB. If the cycle does not exist, it is created on the fly.
func ResolveCycleAndConfig(ctx context.Context, workspace, cycleOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	cycleID := cycleOverride
	if cycleID == "" {
		if c, err := r.SingleCycle(ctx); err == nil {
			cycleID = c.ID
		} else {
			return "", nil, fmt.Errorf("cycle not specified; use --cycle")
		}
	}
	seedCfg := config.Default(cycleID)

	if _, err := r.GetCycle(ctx, cycleID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createCycle(ctx, r, cycleID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetCycleConfig(ctx, cycleID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertCycleConfig(ctx, cycleID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed cycle config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Cycle.ID = cycleID
	return cycleID, cfg, nil
}

// createCycle inserts a minimal cycle footprint using the seed config and
// makes the creating actor an admin.
func createCycle(ctx context.Context, r repo.Repo, cycleID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(cycleID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	c := domain.Cycle{
		ID:        cycleID,
		Name:      cycleID,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertCycleTx(ctx, tx, c); err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	if err := r.UpsertCycleConfigTx(ctx, tx, cycleID, seedCfg); err != nil {
		return fmt.Errorf("insert cycle config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureUser(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	if err := r.GrantRole(ctx, tx, actorID, domain.RoleAdmin); err != nil {
		return fmt.Errorf("grant admin: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}
