// Package util provides common utility functions used across the oidc-engine module.
//
// This package contains helpers for string manipulation, space-delimited protocol
// parameters, URI checks and IP classification that don't fit into domain-specific
// packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - ParseSpaceDelimited: Splits, deduplicates and sorts scope-like parameter values
//   - IsAbsoluteURI: Checks whether a value is a well-formed absolute URI
//   - ClassifyIP: Classifies IP addresses for SSRF protection when fetching request objects
package util
