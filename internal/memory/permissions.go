package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/models"
)

// GrantPermission adds actions for grantee, merging with any it already has.
func (s *Service) GrantPermission(ctx context.Context, id, grantee string, actions []string) (*Saved, error) {
	perm := models.Permission{GranteeID: grantee, Actions: actions}
	if err := perm.Validate(); err != nil {
		return nil, fmt.Errorf("memory: %w: %v", apperr.ErrInvalidInput, err)
	}
	return s.editPolicy(ctx, id, func(p *models.AccessPolicy) error {
		for i := range p.Permissions {
			if p.Permissions[i].GranteeID != grantee {
				continue
			}
			for _, a := range actions {
				if !slices.Contains(p.Permissions[i].Actions, a) {
					p.Permissions[i].Actions = append(p.Permissions[i].Actions, a)
				}
			}
			return nil
		}
		p.Permissions = append(p.Permissions, models.Permission{
			GranteeID: grantee,
			Actions:   slices.Compact(slices.Sorted(slices.Values(actions))),
		})
		return nil
	})
}

// RevokePermission removes every action granted to grantee.
func (s *Service) RevokePermission(ctx context.Context, id, grantee string) (*Saved, error) {
	return s.editPolicy(ctx, id, func(p *models.AccessPolicy) error {
		n := len(p.Permissions)
		p.Permissions = slices.DeleteFunc(p.Permissions, func(perm models.Permission) bool {
			return perm.GranteeID == grantee
		})
		if len(p.Permissions) == n {
			return fmt.Errorf("memory: no permission for %s on %s: %w", grantee, id, apperr.ErrNotFound)
		}
		return nil
	})
}

// editPolicy rewrites the access policy. Content is re-sealed under its
// existing salt, so the record must be readable.
func (s *Service) editPolicy(ctx context.Context, id string, edit func(*models.AccessPolicy) error) (*Saved, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	salt, err := s.open(rec)
	if err != nil {
		return nil, fmt.Errorf("memory: %s: %w", id, err)
	}
	if err := edit(&rec.AccessPolicy); err != nil {
		return nil, err
	}
	return s.save(ctx, rec, salt)
}
