// Package retry provides the bounded-attempt execution wrapper used for every
// remote cloud call. A Retry is a plain configuration value; Do, DoUntil and
// Call run a function under it, sleeping a (optionally growing) interval
// between attempts and giving up once the attempt count or the overall time
// budget is exhausted. The loop itself is github.com/juju/retry; this package
// adds generic results and typed exhaustion errors on top.
//
// Errors listed as expected (for example "not found" from a cloud API) are
// returned immediately since retrying them cannot change the outcome.
package retry
