package registry

import "strings"

// SortOrder defines how results should be ordered when listing agents.
type SortOrder int

const (
	// SortByCreatedAsc orders agents by CreatedAt ascending (registration order).
	SortByCreatedAsc SortOrder = iota
	// SortByCreatedDesc orders agents by CreatedAt descending (newest first).
	SortByCreatedDesc
)

// ListOptions controls how agents are selected when querying the store.
type ListOptions struct {
	Limit    int
	Offset   int
	Types    []AgentType
	Statuses []Status
	Query    string
	Order    SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Types = normalizeTypes(opts.Types)
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortByCreatedDesc {
		opts.Order = SortByCreatedAsc
	}
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of agents returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching agents before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithTypes filters agents by the provided agent types.
func WithTypes(types ...AgentType) ListOption {
	return func(opts *ListOptions) {
		opts.Types = append(opts.Types[:0], types...)
	}
}

// WithStatuses filters agents by the provided lifecycle statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithQuery filters agents whose name contains the given substring.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// WithSortOrder changes the returned order of agents.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeTypes(input []AgentType) []AgentType {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[AgentType]struct{}, len(input))
	result := make([]AgentType, 0, len(input))
	for _, t := range input {
		if !IsValidType(t) {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		result = append(result, t)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
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
