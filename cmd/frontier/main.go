// Package main is the frontier entrypoint.
//
// Subcommands:
//   - load: look URLs up and fetch those that are new, expired, or failed.
//   - generate: run one selection pass and print the claimed batch.
//   - crawl: alternate selection and fetching until nothing is due.
//   - serve: run the admin HTTP API (/healthz, /readyz, /metrics, /v1/...) with
//     a background worker pool that drains batches generated over the API.
//
// Configuration comes from --config and FRONTIER_* environment variables, for
// example FRONTIER_STORE_BACKEND=sqlite FRONTIER_STORE_DSN=./frontier.db.
package main

import "github.com/JakeFAU/crawl-frontier/cmd"

func main() {
	cmd.Execute()
}
