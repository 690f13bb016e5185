// Package api exposes the relayer over HTTP: funding, mining, reward claims,
// stress submissions and read-only views of the operation journal and recent
// settlement events. Routing uses chi; every route is instrumented and the
// mutating routes sit behind a per-client token bucket.
package api
