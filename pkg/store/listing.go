package store

import (
	"sort"
	"strings"

	"github.com/alcovelabs/alcove/pkg/uri"
)

// ListFromEntries applies the full listing semantics over a raw (uri, ts)
// projection: prefix matching with implicit trailing slash, file/directory
// classification, substring pattern filtering, ordering, and pagination.
// Drivers may over-approximate their prefix scan; this re-checks exact
// semantics.
func ListFromEntries(entries []Entry, prefix string, opts ListOptions) *ListPage {
	prefix = strings.TrimSuffix(prefix, "/")

	matched := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !uri.HasPrefix(e.URI, prefix) {
			continue
		}
		if opts.Pattern != "" && !strings.Contains(e.URI, opts.Pattern) {
			continue
		}
		matched = append(matched, e)
	}

	sortEntries(matched, opts)

	total := len(matched)
	page := opts.Page
	if page < 1 {
		page = 1
	}
	limit := opts.Limit
	if limit < 0 {
		limit = 0
	}

	var window []Entry
	if limit > 0 {
		start := (page - 1) * limit
		if start < total {
			end := start + limit
			if end > total {
				end = total
			}
			window = matched[start:end]
		}
	}

	data := make([]ListEntry, 0, len(window))
	for _, e := range window {
		t := EntryDirectory
		if e.URI == prefix {
			t = EntryFile
		}
		data = append(data, ListEntry{URI: e.URI, Type: t})
	}

	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}

	return &ListPage{
		Data: data,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	}
}

func sortEntries(entries []Entry, opts ListOptions) {
	desc := opts.SortOrder == SortDesc

	switch opts.SortBy {
	case SortByTimestamp:
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].TS != entries[j].TS {
				if desc {
					return entries[i].TS > entries[j].TS
				}
				return entries[i].TS < entries[j].TS
			}
			return entries[i].URI < entries[j].URI
		})
	default:
		sort.Slice(entries, func(i, j int) bool {
			if desc {
				return entries[i].URI > entries[j].URI
			}
			return entries[i].URI < entries[j].URI
		})
	}
}
