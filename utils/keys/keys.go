// Package keys generates the admin credentials minted on first start.
package keys

import "github.com/sethvargo/go-password/password"

// GenerateAdminKey returns a new random admin key. Symbols are excluded
// so the key survives query strings and shell copy-paste unescaped.
func GenerateAdminKey() (string, error) {
	return password.Generate(32, 10, 0, false, true)
}
