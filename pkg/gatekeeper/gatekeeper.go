// Package gatekeeper authenticates requests before they reach a websocket
// upgrade or a document endpoint.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/astromechza/automerge-relay/pkg/metrics"
)

var (
	ErrMissingToken   = errors.New("missing token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrSessionExpired = errors.New("session expired")

	ErrInvalidDocument = errors.New("invalid document name")
)

// DefaultDocument is used when the path names no document.
const DefaultDocument = "default"

// SessionPrefix prefixes the redis key mapping a token to its user id.
const SessionPrefix = "session:"

type Identity struct {
	UserID string
	Email  string
}

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims is the JWT payload issued by the account service.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	claims := new(Claims)
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: no userId claim", ErrInvalidToken)
	}
	return Identity{UserID: claims.UserID, Email: claims.Email}, nil
}

// Issue signs a token for id valid for ttl. Used by tooling and tests; the
// relay itself never issues tokens.
func (v *JWTVerifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: id.UserID,
		Email:  id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// SessionVerifier additionally requires the token to have a live session in
// redis belonging to the same user.
type SessionVerifier struct {
	next   Verifier
	client redis.UniversalClient
}

func NewSessionVerifier(next Verifier, client redis.UniversalClient) *SessionVerifier {
	return &SessionVerifier{next: next, client: client}
}

func (v *SessionVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	id, err := v.next.Verify(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	userID, err := v.client.Get(ctx, SessionPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return Identity{}, ErrSessionExpired
	} else if err != nil {
		return Identity{}, fmt.Errorf("failed to look up session: %w", err)
	}
	if userID != id.UserID {
		return Identity{}, ErrSessionExpired
	}
	return id, nil
}

// TokenFrom extracts the credential from the token query parameter, a bearer
// Authorization header or the token cookie, in that order.
func TokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

// DocumentName returns the first path segment after /collab/, or
// DefaultDocument. Names containing NUL are rejected with ErrInvalidDocument.
func DocumentName(path string) (string, error) {
	_, rest, ok := strings.Cut(path, "/collab/")
	if !ok {
		return DefaultDocument, nil
	}
	name, _, _ := strings.Cut(rest, "/")
	if strings.ContainsRune(name, 0) {
		return "", ErrInvalidDocument
	}
	if name == "" {
		return DefaultDocument, nil
	}
	return name, nil
}

type ctxKey struct{}

// IdentityFrom returns the identity stored by Gatekeeper.Middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

type Gatekeeper struct {
	verifier Verifier
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func New(verifier Verifier, log *slog.Logger, m *metrics.Metrics) *Gatekeeper {
	if log == nil {
		log = slog.Default()
	}
	return &Gatekeeper{verifier: verifier, log: log, metrics: m}
}

// Authenticate verifies the request's credential.
func (g *Gatekeeper) Authenticate(r *http.Request) (Identity, error) {
	token := TokenFrom(r)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	return g.verifier.Verify(r.Context(), token)
}

// Middleware rejects unauthenticated requests with 401 before next runs, so
// nothing is upgraded or created for them.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		id, err := g.Authenticate(request)
		if err != nil {
			reason := "invalid"
			switch {
			case errors.Is(err, ErrMissingToken):
				reason = "missing"
			case errors.Is(err, ErrSessionExpired):
				reason = "session"
			}
			g.metrics.Rejected(reason)
			g.log.Info("rejected connection", "path", request.URL.Path, "reason", reason, "err", err)
			http.Error(writer, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(writer, request.WithContext(context.WithValue(request.Context(), ctxKey{}, id)))
	})
}
