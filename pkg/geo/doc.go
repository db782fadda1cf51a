// Package geo resolves public IP addresses to locations. Four free
// providers are tried in order; results are cached in-process (24h for
// hits, 1h for misses) to stay inside the providers' rate limits.
package geo
