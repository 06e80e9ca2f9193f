// Package store defines the persistence contracts for runners, scrape jobs,
// scraper config versions, and test runs. Implementations live in
// internal/storage; this package must not import database drivers or concrete
// clients.
package store
