// Package types is documented in types.go.
package types
