package request

import (
	"strings"
	"time"
)

// SortOrder defines how requests are ordered when listing.
type SortOrder int

const (
	// SortBySubmittedDesc orders requests newest first.
	SortBySubmittedDesc SortOrder = iota
	// SortBySubmittedAsc orders requests oldest first.
	SortBySubmittedAsc
)

// ListOptions controls how requests are selected when querying the store.
type ListOptions struct {
	Limit          int
	Offset         int
	Statuses       []Status
	UserID         string
	SubmittedSince time.Time
	Order          SortOrder
	Query          string
}

// Normalize sanitizes the options and fills in default values.
func (opts *ListOptions) Normalize() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortBySubmittedAsc {
		opts.Order = SortBySubmittedDesc
	}
	opts.Query = strings.TrimSpace(opts.Query)
	opts.UserID = strings.TrimSpace(opts.UserID)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of requests returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset skips the first n matching requests.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses filters requests by status.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithUser restricts results to one submitter.
func WithUser(userID string) ListOption {
	return func(opts *ListOptions) { opts.UserID = userID }
}

// WithSubmittedSince filters requests submitted at or after ts.
func WithSubmittedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.SubmittedSince = ts }
}

// WithSortOrder changes the returned order.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery filters requests by a case-insensitive match on the feature text.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.Normalize()
	return options
}

// Matches reports whether r satisfies the filters, ignoring paging.
func (opts ListOptions) Matches(r *Request) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, s := range opts.Statuses {
			if r.Status == s {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UserID != "" && r.UserID != opts.UserID {
		return false
	}
	if !opts.SubmittedSince.IsZero() && r.SubmittedAt.Before(opts.SubmittedSince) {
		return false
	}
	if opts.Query != "" && !strings.Contains(strings.ToLower(r.Feature), strings.ToLower(opts.Query)) {
		return false
	}
	return true
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !status.Valid() {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
