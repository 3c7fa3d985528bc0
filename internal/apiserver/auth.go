// Auth generalises the teacher's go/auth/auth.go AuthService from
// end-user JWT login (excluded by SPEC_FULL.md's "user authentication"
// Non-goal) to service/operator token auth: a small set of long-lived
// operator API keys, stored only as bcrypt hashes, exchanged for
// short-lived JWT service tokens that every other endpoint requires.
package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/bcrypt"

	"github.com/verygreen/lustretester/internal/ciserrors"
)

// Claims is the JWT payload issued after a successful operator-key
// exchange.
type Claims struct {
	ServiceName string `json:"service_name"`
	jwt.StandardClaims
}

// ctxKey is an unexported type so context.WithValue keys can never
// collide with a plain string key set elsewhere, unlike the teacher's
// bare "claims" string key.
type ctxKey int

const claimsCtxKey ctxKey = iota

// AuthService validates operator API keys and issues/validates JWT
// service tokens.
type AuthService struct {
	secretKey   []byte
	tokenTTL    time.Duration
	keyHashes   map[string][]byte // operator name -> bcrypt hash of its key
}

// NewAuthService constructs an AuthService signing tokens with
// secretKey and issuing them with the given TTL.
func NewAuthService(secretKey string, tokenTTL time.Duration) *AuthService {
	return &AuthService{
		secretKey: []byte(secretKey),
		tokenTTL:  tokenTTL,
		keyHashes: make(map[string][]byte),
	}
}

// AddOperatorKey registers name as allowed to authenticate with key,
// storing only its bcrypt hash.
func (a *AuthService) AddOperatorKey(name, key string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	a.keyHashes[name] = hash
	return nil
}

// ExchangeOperatorKey validates an operator key and, on success,
// returns a signed JWT service token.
func (a *AuthService) ExchangeOperatorKey(name, key string) (string, error) {
	hash, ok := a.keyHashes[name]
	if !ok {
		return "", ciserrors.New(ciserrors.ErrCodeUnauthorized, "unknown operator")
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(key)); err != nil {
		return "", ciserrors.New(ciserrors.ErrCodeUnauthorized, "invalid operator key")
	}
	claims := &Claims{
		ServiceName: name,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(a.tokenTTL).Unix(),
			IssuedAt:  time.Now().Unix(),
			Subject:   name,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secretKey)
}

// ValidateToken parses and validates a JWT service token.
func (a *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secretKey, nil
	})
	if err != nil {
		return nil, ciserrors.New(ciserrors.ErrCodeUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ciserrors.New(ciserrors.ErrCodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// Middleware requires a valid "Authorization: Bearer <jwt>" header,
// stamping the validated Claims onto the request context. "/health" is
// exempt so liveness probes never need credentials.
func (a *AuthService) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeAuthError(w, ciserrors.New(ciserrors.ErrCodeUnauthorized, "missing or malformed Authorization header"))
			return
		}
		claims, err := a.ValidateToken(parts[1])
		if err != nil {
			writeAuthError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsCtxKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsCtxKey).(*Claims)
	return claims, ok
}

func writeAuthError(w http.ResponseWriter, err error) {
	apiErr := ciserrors.New(ciserrors.ErrCodeUnauthorized, err.Error())
	writeJSONError(w, apiErr)
}

// CORSMiddleware mirrors the teacher's go/auth/auth.go CORSMiddleware,
// generalised to take its allow-lists from configuration instead of
// being hardcoded.
func CORSMiddleware(allowedOrigins, allowedMethods, allowedHeaders []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(allowedMethods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Max-Age", "3600")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
