// Package domains maps IP addresses back to domain names using reverse
// DNS, TLS certificate names, HTTP response headers, and PTR records.
// Every finding carries its source so consumers can weigh reliability.
package domains
