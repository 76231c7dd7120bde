// Package scheduler triggers periodic jobs (cron expressions or fixed
// intervals) and runs them under a supervisor with a per-run timeout.
// A job is skipped while its previous run is still in flight.
package scheduler
