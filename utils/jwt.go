package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const downloadAudience = "pass-download"

// Claims defines JWT claims used for admin sessions.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// DownloadClaims authorize one pass archive download.
type DownloadClaims struct {
	Serial string `json:"serial"`
	jwt.RegisteredClaims
}

// GenerateToken issues an admin JWT for username.
func GenerateToken(secret, username string, duration time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken validates an admin JWT and returns its claims.
func ParseToken(secret, tokenStr string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, hmacKey(secret))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	// download links share the secret but carry no username
	if !ok || !parsed.Valid || claims.Username == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// GenerateDownloadToken signs a short-lived link token for serial's archive.
func GenerateDownloadToken(secret, serial string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := DownloadClaims{
		Serial: serial,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{downloadAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseDownloadToken returns the serial a download token was issued for.
func ParseDownloadToken(secret, tokenStr string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &DownloadClaims{}, hmacKey(secret), jwt.WithAudience(downloadAudience))
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*DownloadClaims)
	if !ok || !parsed.Valid || claims.Serial == "" {
		return "", errors.New("invalid download token")
	}
	return claims.Serial, nil
}

func hmacKey(secret string) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}
}
