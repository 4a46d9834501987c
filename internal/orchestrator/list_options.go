package orchestrator

// ListOptions controls how workflows are selected when querying the store.
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []WorkflowStatus
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
	if len(opts.Statuses) > 0 {
		opts.Statuses = normalizeWorkflowStatuses(opts.Statuses)
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of workflows returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching workflows before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters workflows by the provided statuses.
func WithStatuses(statuses ...WorkflowStatus) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
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

func normalizeWorkflowStatuses(input []WorkflowStatus) []WorkflowStatus {
	seen := make(map[WorkflowStatus]struct{}, len(input))
	result := make([]WorkflowStatus, 0, len(input))
	for _, status := range input {
		switch status {
		case WorkflowRunning, WorkflowSucceeded, WorkflowFailed:
		default:
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
