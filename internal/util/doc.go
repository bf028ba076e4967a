// Package util holds small helpers shared across packages: log-safe
// truncation, scope list handling and redirect URI checks.
package util
