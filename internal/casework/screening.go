package casework

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// ErrInvalidRule is returned for screening rules that do not compile.
var ErrInvalidRule = errors.New("invalid screening rule")

// screen runs the tenant's screening rules, loading them on first use.
// Hits are advisory: when the rules cannot be loaded the case is screened
// against nothing and the next call retries the load.
func (s *Service) screen(ctx context.Context, tenantID string, in domain.CaseInput) []domain.ScreeningHit {
	engine := s.screening.Get(tenantID)
	if engine == nil {
		var err error
		engine, err = s.ReloadScreeningRules(ctx, tenantID)
		if err != nil {
			slog.Warn("screening skipped, rules unavailable", "tenant_id", tenantID, "error", err)
			return []domain.ScreeningHit{}
		}
	}
	return engine.Screen(ctx, in)
}

// SaveScreeningRule validates, stores and activates a screening rule.
// A missing ID is filled with a UUID.
func (s *Service) SaveScreeningRule(ctx context.Context, tenantID string, rule *domain.ScreeningRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidRule)
	}
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if err := s.screening.Validate(rule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	if err := s.repo.SaveScreeningRule(ctx, tenantID, rule); err != nil {
		return fmt.Errorf("failed to store screening rule: %w", err)
	}

	_, err := s.ReloadScreeningRules(ctx, tenantID)
	return err
}

// ListScreeningRules returns every stored rule for the tenant.
func (s *Service) ListScreeningRules(ctx context.Context, tenantID string) ([]*domain.ScreeningRule, error) {
	return s.repo.ListScreeningRules(ctx, tenantID)
}

// DeleteScreeningRule removes a rule and deactivates it.
func (s *Service) DeleteScreeningRule(ctx context.Context, tenantID, ruleID string) error {
	if err := s.repo.DeleteScreeningRule(ctx, tenantID, ruleID); err != nil {
		return err
	}
	_, err := s.ReloadScreeningRules(ctx, tenantID)
	return err
}

// ReloadScreeningRules replaces the tenant's active rules with the stored
// set. If any stored rule fails to compile the previous set stays active.
func (s *Service) ReloadScreeningRules(ctx context.Context, tenantID string) (*rules.Engine, error) {
	stored, err := s.repo.ListScreeningRules(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load screening rules: %w", err)
	}

	engine, err := s.screening.Load(tenantID, stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	slog.Info("screening rules loaded",
		"tenant_id", tenantID,
		"rules_count", engine.RulesCount(),
	)
	return engine, nil
}
