// Package broadcast publishes periodic fleet health summaries over redis.
//
// Each tick folds the registry's agent counts and the latest host resource
// sample into a single JSON message on a pub/sub channel. Delivery is best
// effort: subscribers that miss a message catch the next one, and a down
// broker never blocks monitoring or recovery.
package broadcast
