package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"healthdash/internal/config"
)

var errInvalidToken = errors.New("invalid bearer token")

// Identity is the caller resolved from a bearer token.
type Identity struct {
	ID    string
	Email string
	Role  string
}

type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// NewIdentityResolver verifies tokens locally when a signing secret is
// configured and otherwise asks the auth service.
func NewIdentityResolver(cfg config.Config) IdentityResolver {
	if strings.TrimSpace(cfg.AuthJWTSecret) != "" {
		return &JWTIdentityResolver{
			secret:    []byte(cfg.AuthJWTSecret),
			algorithm: strings.TrimSpace(cfg.AuthJWTAlgorithm),
			audience:  strings.TrimSpace(cfg.AuthJWTAudience),
			issuer:    strings.TrimSpace(cfg.AuthJWTIssuer),
		}
	}
	return NewRemoteIdentityResolver(cfg.AuthURL, cfg.DBServiceKey, 10*time.Second)
}

type JWTIdentityResolver struct {
	secret    []byte
	algorithm string
	audience  string
	issuer    string
}

func (r *JWTIdentityResolver) Resolve(_ context.Context, tokenString string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{r.algorithm}),
		jwt.WithExpirationRequired(),
	}
	if r.audience != "" {
		opts = append(opts, jwt.WithAudience(r.audience))
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}

	sub, _ := claims.GetSubject()
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: subject missing", errInvalidToken)
	}
	email, _ := claims["email"].(string)
	role, _ := claims["role"].(string)
	return Identity{ID: sub, Email: email, Role: role}, nil
}

// RemoteIdentityResolver looks the token up at the auth service's
// /auth/v1/user endpoint.
type RemoteIdentityResolver struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewRemoteIdentityResolver(baseURL, apiKey string, timeout time.Duration) *RemoteIdentityResolver {
	return &RemoteIdentityResolver{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *RemoteIdentityResolver) Resolve(ctx context.Context, tokenString string) (Identity, error) {
	if r.baseURL == "" {
		return Identity{}, errors.New("AUTH_URL is not configured")
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return Identity{}, err
	}
	request.Header.Set("Authorization", "Bearer "+tokenString)
	request.Header.Set("apikey", r.apiKey)

	response, err := r.httpClient.Do(request)
	if err != nil {
		return Identity{}, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return Identity{}, err
	}
	if response.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("%w: auth service returned %d", errInvalidToken, response.StatusCode)
	}

	var user struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return Identity{}, fmt.Errorf("decode auth user: %w", err)
	}
	if strings.TrimSpace(user.ID) == "" {
		return Identity{}, fmt.Errorf("%w: user id missing", errInvalidToken)
	}
	return Identity{ID: user.ID, Email: user.Email, Role: user.Role}, nil
}
