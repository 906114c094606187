package types

import "strings"

// Exchange suffixes used by A-share symbol codes.
const (
	SuffixShanghai = ".SH"
	SuffixShenzhen = ".SZ"
)

// IsShanghai reports whether the symbol trades on the Shanghai exchange.
func IsShanghai(symbol string) bool {
	return strings.HasSuffix(symbol, SuffixShanghai)
}

// IsShenzhen reports whether the symbol trades on the Shenzhen exchange.
func IsShenzhen(symbol string) bool {
	return strings.HasSuffix(symbol, SuffixShenzhen)
}

// IsST reports whether the symbol or display name marks the issuer as
// "special treatment" (tighter +-5% daily price limit).
func IsST(symbolOrName string) bool {
	return strings.Contains(strings.ToUpper(symbolOrName), "ST")
}
