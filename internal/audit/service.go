// Package audit persists and serves the append-only trail of permission
// mutations: rule changes, grants and denies, dependency edges, conflict
// resolutions.
package audit

import (
	"context"
	"fmt"

	"github.com/meridian-erp/meridian-erp/internal/rbac"
)

// Repository is the persistence contract the service depends on.
type Repository interface {
	Insert(ctx context.Context, entries []Entry) error
	Window(ctx context.Context, filters Filters, offset, limit int) ([]Entry, error)
	All(ctx context.Context, filters Filters) ([]Entry, error)
}

// Service records rbac events and serves timeline queries. It implements
// rbac.AuditPort.
type Service struct {
	repo Repository
}

var _ rbac.AuditPort = (*Service)(nil)

// NewService constructs the audit service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Record persists one entry per event. Called by the rbac service after a
// mutation commits.
func (s *Service) Record(ctx context.Context, events []rbac.Event) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("audit: repository not configured")
	}
	if len(events) == 0 {
		return nil
	}
	entries := make([]Entry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, Entry{
			Action:   ev.Action,
			Entity:   ev.Entity,
			EntityID: ev.EntityID,
			ActorID:  ev.ActorID,
			Before:   ev.Before,
			After:    ev.After,
			At:       ev.At,
		})
	}
	return s.repo.Insert(ctx, entries)
}

// Timeline returns one page of audit entries matching the filters, newest
// first.
func (s *Service) Timeline(ctx context.Context, filters Filters) (Result, error) {
	if s == nil || s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	rows, err := s.repo.Window(ctx, filters, offset, pageSize+1)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns every entry matching the filters, without paging.
func (s *Service) Export(ctx context.Context, filters Filters) ([]Entry, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.All(ctx, filters)
}
