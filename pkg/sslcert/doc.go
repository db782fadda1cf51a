// Package sslcert retrieves and parses the X.509 certificate a TLS
// endpoint presents. Certificates are identified by SHA-256 fingerprint
// so the same certificate observed on many hosts stores once.
package sslcert
