package auth

import "golang.org/x/crypto/bcrypt"

// HashPassword returns a bcrypt hash of password suitable for storage as
// [domain.Tunnel.AccessPasswordHash]. Each call salts independently, so two
// hashes of the same password are never equal.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyPasswordHash reports whether password matches hash as produced by
// [HashPassword].
func VerifyPasswordHash(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
