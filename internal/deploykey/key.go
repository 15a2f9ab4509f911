// Package deploykey derives content-addressed fingerprints for deployment requests.
package deploykey

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/splax/deploygate/internal/domain"
)

// For returns the SHA-256 fingerprint of source:prOrBranch:commitHash:environment.
func For(d domain.Deployment) string {
	identity := d.Branch
	if d.PRNumber != nil {
		identity = strconv.Itoa(*d.PRNumber)
	}
	return Compute(string(d.Source), identity, d.CommitHash, d.Environment)
}

// Compute hashes the raw tuple. Identical tuples always yield identical keys.
func Compute(source, identity, commitHash, environment string) string {
	raw := strings.Join([]string{source, identity, commitHash, environment}, ":")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Short trims a key for log output.
func Short(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:12]
}
