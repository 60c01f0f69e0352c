package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUnauthenticated is returned for missing or wrong credentials.
	ErrUnauthenticated = errors.New("invalid username or password")
	// ErrPermissionDenied is returned when the user's role is too weak.
	ErrPermissionDenied = errors.New("permission denied")
)

// User is an authenticated caller.
type User struct {
	Username     string
	PasswordHash string
	Role         string
}

type contextKey string

const (
	// UserContextKey is the key used to store the User in a request context.
	UserContextKey = contextKey("user")
	// RoleReader may read documents and counts.
	RoleReader = "reader"
	// RoleWriter may also create collections and write documents.
	RoleWriter = "writer"
	// RoleAdmin may also flush the WAL and arm fail points.
	RoleAdmin = "admin"
)

var roleRank = map[string]int{RoleReader: 1, RoleWriter: 2, RoleAdmin: 3}

// Authenticator guards HTTP handlers.
type Authenticator interface {
	Authenticate(r *http.Request) (context.Context, error)
	Authorize(ctx context.Context, requiredRole string) error
}

// UserAuthenticator checks HTTP basic auth credentials against the user file.
type UserAuthenticator struct {
	usersByUsername map[string]User
	hashType        HashType
	logger          *slog.Logger
}

var _ Authenticator = (*UserAuthenticator)(nil)

// NewAuthenticator loads the user file at userFilePath.
func NewAuthenticator(userFilePath string, logger *slog.Logger) (*UserAuthenticator, error) {
	userRecords, hashType, err := ReadUserFile(userFilePath)
	if err != nil {
		return nil, fmt.Errorf("could not load user database: %w", err)
	}
	if len(userRecords) == 0 {
		logger.Warn("User database is empty, every request will be rejected", "path", userFilePath)
	}

	userMap := make(map[string]User, len(userRecords))
	for _, u := range userRecords {
		userMap[u.Username] = User{Username: u.Username, PasswordHash: u.PasswordHash, Role: u.Role}
	}

	return &UserAuthenticator{
		usersByUsername: userMap,
		hashType:        hashType,
		logger:          logger.With("component", "Authenticator"),
	}, nil
}

// Check verifies a username and password.
func (a *UserAuthenticator) Check(username, password string) (User, error) {
	user, ok := a.usersByUsername[username]
	if !ok {
		a.logger.Warn("Authentication failed: invalid username.", "username", username)
		return User{}, ErrUnauthenticated
	}

	var match bool
	switch a.hashType {
	case HashTypeBcrypt:
		match = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
	case HashTypeSHA256, HashTypeSHA512:
		want, err := hex.DecodeString(user.PasswordHash)
		got, _ := HashPassword(password, a.hashType)
		gotBytes, _ := hex.DecodeString(got)
		match = err == nil && subtle.ConstantTimeCompare(gotBytes, want) == 1
	default:
		return User{}, fmt.Errorf("server configured with unsupported password hash type %d", a.hashType)
	}

	if !match {
		a.logger.Warn("Authentication failed: password mismatch.", "username", username)
		return User{}, ErrUnauthenticated
	}
	return user, nil
}

// Authenticate reads basic auth credentials from r and returns a context
// carrying the user.
func (a *UserAuthenticator) Authenticate(r *http.Request) (context.Context, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, fmt.Errorf("%w: missing credentials", ErrUnauthenticated)
	}
	user, err := a.Check(username, password)
	if err != nil {
		return nil, err
	}
	return context.WithValue(r.Context(), UserContextKey, user), nil
}

// Authorize checks that the user in ctx holds at least requiredRole.
func (a *UserAuthenticator) Authorize(ctx context.Context, requiredRole string) error {
	user, ok := ctx.Value(UserContextKey).(User)
	if !ok {
		return fmt.Errorf("%w: no user in context", ErrUnauthenticated)
	}
	if roleRank[user.Role] >= roleRank[requiredRole] {
		return nil
	}
	return fmt.Errorf("%w: user '%s' with role '%s' requires role '%s'", ErrPermissionDenied, user.Username, user.Role, requiredRole)
}

// Middleware authenticates and authorizes requests before calling next.
func Middleware(a Authenticator, requiredRole string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="nexusdoc"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if err := a.Authorize(ctx, requiredRole); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
