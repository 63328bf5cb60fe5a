// Package pending keeps confirmation-gated transaction requests between the
// turn that issues them and the confirm call that executes them. Records are
// scoped per session, expire after a short TTL and move one way through
// issued, executing and done, which makes confirm at-most-once: a replayed
// confirm receives the cached receipt instead of a second execution.
package pending
