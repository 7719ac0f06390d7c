// Package crawler defines the crawl record, its status machines, and the
// collaborator interfaces shared by the frontier, fetch, and load subsystems.
package crawler
