package httpapi

import (
	"errors"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var errInvalidCredentials = errors.New("invalid device credentials")

// DeviceAuth issues short-lived tokens to registered devices. Device secrets
// are held only as bcrypt hashes; plain secrets from configuration are hashed
// on registration.
type DeviceAuth struct {
	mu       sync.RWMutex
	secret   []byte
	tokenTTL time.Duration
	devices  map[string]string
	now      func() time.Time
}

type deviceClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
	ExpiresAt   string `json:"expires_at"`
}

func NewDeviceAuth(secret string, tokenTTL time.Duration, credentials map[string]string) *DeviceAuth {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	a := &DeviceAuth{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		devices:  make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for deviceID, deviceSecret := range credentials {
		_ = a.Register(deviceID, deviceSecret)
	}
	return a
}

// Register adds or replaces a device. deviceSecret may already be a bcrypt
// hash.
func (a *DeviceAuth) Register(deviceID, deviceSecret string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" || strings.TrimSpace(deviceSecret) == "" {
		return errors.New("device id and secret are required")
	}
	hashed := deviceSecret
	if !isPasswordHash(hashed) {
		var err error
		hashed, err = hashPassword(deviceSecret)
		if err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.devices[deviceID] = hashed
	a.mu.Unlock()
	return nil
}

func (a *DeviceAuth) Issue(deviceID, deviceSecret string) (TokenResponse, error) {
	deviceID = strings.TrimSpace(deviceID)
	a.mu.RLock()
	stored, ok := a.devices[deviceID]
	a.mu.RUnlock()
	if !ok || !verifyPassword(stored, deviceSecret) {
		return TokenResponse{}, errInvalidCredentials
	}

	expiresAt := a.now().Add(a.tokenTTL)
	token, err := a.sign(deviceID, expiresAt)
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken: token,
		DeviceID:    deviceID,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken returns the device the token was issued to.
func (a *DeviceAuth) ParseToken(tokenStr string) (string, error) {
	claims := &deviceClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return "", errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" || claims.Role != "device" {
		return "", errors.New("invalid token subject")
	}
	a.mu.RLock()
	_, known := a.devices[sub]
	a.mu.RUnlock()
	if !known {
		return "", errors.New("device is no longer registered")
	}
	return sub, nil
}

func (a *DeviceAuth) sign(deviceID string, expiresAt time.Time) (string, error) {
	claims := deviceClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwtlib.NewNumericDate(a.now()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "kasirsync",
		},
		Role: "device",
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
