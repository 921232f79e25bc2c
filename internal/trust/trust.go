// Package trust maintains per-agent behavioral trust scores. Signals about
// policy compliance, resource usage, output quality, security posture, and
// collaboration feed exponentially smoothed dimension scores; a weighted
// composite in [0, 1000] classifies each agent into a tier. Idle scores
// decay over time, and agents whose composite falls below the revocation
// threshold trigger registered callbacks exactly once per crossing.
package trust
