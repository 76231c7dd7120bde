// Package journal keeps the append-only record of what happened to every
// logical kill (posted, duplicate, disabled, newly discovered, failed).
//
// Full history is retained; views are filtered by calendar day in the
// viewer's timezone.
package journal
