// Package resilience groups the fault tolerance building blocks of the
// worker:
//   - circuitbreaker: a gobreaker guard around the job store and per-domain
//     breakers for feed sources and the messaging API
//   - retry: in-call retries with exponential backoff and jitter, plus the
//     per-feed backoff schedule applied across checks
package resilience
