package search

import (
	"strings"

	"proptrust/searchservice/internal/domain"
)

type Branch string

const (
	BranchProperties Branch = "properties"
	BranchOwners     Branch = "owners"
)

type normalizedQuery struct {
	query      string
	searchType domain.SearchType
	filters    domain.FilterSpec
	cacheKey   string
	branches   []Branch
}

// normalizeRequest trims the query and derives the cache key and sub-searches.
// It reports false for an empty query, in which case the cycle is a no-op.
func normalizeRequest(request domain.SearchRequest) (normalizedQuery, bool) {
	query := strings.TrimSpace(request.Query)
	if query == "" {
		return normalizedQuery{}, false
	}
	searchType := domain.NormalizeSearchType(string(request.SearchType))
	return normalizedQuery{
		query:      query,
		searchType: searchType,
		filters:    request.Filters,
		cacheKey:   buildCacheKey(searchType, query, request.Filters),
		branches:   branchesFor(searchType),
	}, true
}

// buildCacheKey concatenates search type, trimmed query and the canonical filter JSON.
func buildCacheKey(searchType domain.SearchType, query string, filters domain.FilterSpec) string {
	return string(searchType) + query + filters.CanonicalJSON()
}

func branchesFor(searchType domain.SearchType) []Branch {
	switch searchType {
	case domain.SearchTypeProperties:
		return []Branch{BranchProperties}
	case domain.SearchTypeOwners:
		return []Branch{BranchOwners}
	default:
		return []Branch{BranchProperties, BranchOwners}
	}
}

// CacheKey exposes the canonical key for a request; ok is false for empty queries.
func CacheKey(request domain.SearchRequest) (string, bool) {
	normalized, ok := normalizeRequest(request)
	if !ok {
		return "", false
	}
	return normalized.cacheKey, true
}
