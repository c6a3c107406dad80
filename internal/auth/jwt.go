// Package auth issues and verifies the short-lived bearer tokens used by the
// control-plane API. Tokens are RS256-signed JWTs obtained by exchanging the
// deployment's admin secret; robot channel credentials are separate (API
// keys, handled by the store).
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// tokenDuration keeps control-plane tokens short-lived; clients
	// re-exchange the admin secret when one expires.
	tokenDuration = 15 * time.Minute

	rsaKeyBits = 2048
)

// Claims carries the token's identity. Standard claims (exp, iat, iss) come
// via jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// Role is the caller's role at issuance time: "admin" or "viewer".
	Role string `json:"role"`
}

// Manager signs and verifies control-plane tokens and holds the admin secret
// used for the exchange.
type Manager struct {
	privateKey  *rsa.PrivateKey
	publicKey   *rsa.PublicKey
	issuer      string
	adminSecret []byte
}

// NewManagerFromFiles loads an RSA key pair from PEM files on disk. Use this
// in production where keys are mounted as secrets.
func NewManagerFromFiles(privateKeyPath, publicKeyPath, issuer, adminSecret string) (*Manager, error) {
	privBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading private key file: %w", err)
	}
	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading public key file: %w", err)
	}
	return newManagerFromPEM(privBytes, pubBytes, issuer, adminSecret)
}

// NewManagerGenerated creates a Manager with a freshly generated ephemeral
// key pair. All outstanding tokens are invalidated on restart, which is
// acceptable for single-instance deployments.
func NewManagerGenerated(issuer, adminSecret string) (*Manager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("auth: generating RSA key pair: %w", err)
	}
	return &Manager{
		privateKey:  privateKey,
		publicKey:   &privateKey.PublicKey,
		issuer:      issuer,
		adminSecret: []byte(adminSecret),
	}, nil
}

func newManagerFromPEM(privatePEM, publicPEM []byte, issuer, adminSecret string) (*Manager, error) {
	privBlock, _ := pem.Decode(privatePEM)
	if privBlock == nil {
		return nil, errors.New("auth: failed to decode private key PEM block")
	}

	// Support both PKCS#1 (RSA PRIVATE KEY) and PKCS#8 (PRIVATE KEY) formats.
	var privateKey *rsa.PrivateKey
	switch privBlock.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#1 private key: %w", err)
		}
		privateKey = key
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("auth: PKCS#8 key is not an RSA key")
		}
		privateKey = rsaKey
	default:
		return nil, fmt.Errorf("auth: unsupported private key PEM type: %s", privBlock.Type)
	}

	pubBlock, _ := pem.Decode(publicPEM)
	if pubBlock == nil {
		return nil, errors.New("auth: failed to decode public key PEM block")
	}
	pubInterface, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing public key: %w", err)
	}
	publicKey, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: public key is not an RSA key")
	}

	return &Manager{
		privateKey:  privateKey,
		publicKey:   publicKey,
		issuer:      issuer,
		adminSecret: []byte(adminSecret),
	}, nil
}

// Exchange trades the deployment's admin secret for a signed token. The
// comparison is constant-time.
func (m *Manager) Exchange(secret string) (string, error) {
	if len(m.adminSecret) == 0 {
		return "", ErrBadCredentials
	}
	if subtle.ConstantTimeCompare([]byte(secret), m.adminSecret) != 1 {
		return "", ErrBadCredentials
	}
	return m.Generate("admin", "admin")
}

// Generate creates a signed RS256 token for the given subject and role.
func (m *Manager) Generate(subject, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenDuration)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token string. Callers use
// errors.Is(err, ErrTokenExpired) to distinguish expiry from tampering.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject anything but RS256 to block alg confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// PublicKeyPEM returns the verification key in PEM-encoded PKIX format, for
// sharing with sidecar services that verify tokens themselves.
func (m *Manager) PublicKeyPEM() ([]byte, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(m.publicKey)
	if err != nil {
		return nil, fmt.Errorf("auth: marshaling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	}), nil
}
