// Package sessioncache provides the in-memory cache of pairwise sessions
// grouped by sender key. A key is either absent (not yet loaded from storage)
// or maps to a non-empty list that only ever grows or updates in place.
package sessioncache
