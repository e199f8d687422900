package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/K-Schubert/mediawatch/internal/archive"
	"github.com/K-Schubert/mediawatch/internal/auth"
	"github.com/K-Schubert/mediawatch/internal/authpw"
	"github.com/K-Schubert/mediawatch/internal/config"
	"github.com/K-Schubert/mediawatch/internal/export"
	"github.com/K-Schubert/mediawatch/internal/extractor"
	"github.com/K-Schubert/mediawatch/internal/ratelimit"
	"github.com/K-Schubert/mediawatch/internal/revisions"
	"github.com/K-Schubert/mediawatch/internal/search"
	"github.com/K-Schubert/mediawatch/internal/store"
	"github.com/K-Schubert/mediawatch/internal/taxonomy"
	"github.com/K-Schubert/mediawatch/internal/util"
	"github.com/golang-jwt/jwt/v5"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       int64
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(context.Context, store.User) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, int64) (store.User, error)
	UpdateUserPassword(context.Context, int64, string) error

	UpsertArticle(context.Context, store.Article) (store.Article, bool, error)
	GetArticle(context.Context, int64) (store.Article, error)
	ListArticles(context.Context, store.ArticleFilter) ([]store.Article, error)

	InsertAnnotation(context.Context, store.Annotation) (store.Annotation, error)
	GetAnnotation(context.Context, int64) (store.Annotation, error)
	UpdateAnnotation(context.Context, int64, int64, store.PatchFunc) (store.Annotation, error)
	DeleteAnnotation(context.Context, int64, int64) (store.Annotation, error)
	DeleteAnnotationsForArticle(context.Context, int64, int64) ([]store.Annotation, error)
	ListAnnotationsByArticle(context.Context, int64) ([]store.Annotation, error)
	ListAnnotationsByUsername(context.Context, string) ([]store.Annotation, error)

	InsertComment(context.Context, store.Comment) (store.Comment, error)
	DeleteComment(context.Context, int64, int64) (store.Comment, error)
	ListComments(context.Context, []int64) (map[int64][]store.Comment, error)
}

// sessionStore holds refresh sessions and revoked access tokens. Both the
// Postgres store and session.RedisStore satisfy it.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, int64, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	IndexArticle(search.ArticleRecord)
	IndexAnnotation(search.AnnotationRecord)
	DeleteAnnotation(string)
}

type revisionStore interface {
	Record(int64, revisions.Content, string, string) (revisions.Revision, bool, error)
	Head(int64) (revisions.Content, revisions.Revision, error)
	Get(int64, string) (revisions.Content, revisions.Revision, error)
	History(int64, int) ([]revisions.Revision, error)
}

type exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
}

// Dependencies are the collaborators wired by cmd/api. Only Store is
// required; nil optional collaborators disable their feature.
type Dependencies struct {
	Store     *store.PostgresStore
	Sessions  sessionStore
	Limiter   ratelimit.Limiter
	Taxonomy  *taxonomy.Table
	Extractor extractor.Extractor
	Search    *search.Service
	Revisions *revisions.Service
	Archive   archive.Archive
	Logger    *slog.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	limiter   ratelimit.Limiter
	taxonomy  *taxonomy.Table
	extractor extractor.Extractor
	search    searchService
	revisions revisionStore
	archive   archive.Archive
	exporter  exporter
	logger    *slog.Logger
}

func New(cfg config.Config, deps Dependencies) *Service {
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		passwords: authpw.NewService(deps.Store),
		limiter:   deps.Limiter,
		taxonomy:  deps.Taxonomy,
		extractor: deps.Extractor,
		archive:   deps.Archive,
		logger:    deps.Logger,
	}
	if s.sessions == nil {
		s.sessions = deps.Store
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewMemory(ratelimit.Policy{MaxAttempts: cfg.LoginMaxAttempts, Window: cfg.LoginLockout})
	}
	if s.taxonomy == nil {
		s.taxonomy = taxonomy.Default()
	}
	if s.extractor == nil {
		s.extractor = extractor.None{}
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	if deps.Revisions != nil {
		s.revisions = deps.Revisions
	}
	if s.archive == nil {
		s.archive = archive.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.exporter = export.NewService(deps.Store, s.taxonomy, cfg.ChromePath)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Health reports the status of every backing service. Only the database
// is required for readiness.
func (s *Service) Health(ctx context.Context) (bool, map[string]any) {
	checks := map[string]any{}
	ok := true
	if err := s.store.Ping(ctx); err != nil {
		ok = false
		s.logger.Error("readiness: database ping failed", "error", err)
		checks["database"] = map[string]any{"status": "unavailable"}
	} else {
		checks["database"] = map[string]any{"status": "ok"}
	}
	if _, shared := s.sessions.(*store.PostgresStore); !shared {
		if pinger, isPinger := s.sessions.(interface{ Ping(context.Context) error }); isPinger {
			if err := pinger.Ping(ctx); err != nil {
				s.logger.Error("readiness: redis ping failed", "error", err)
				checks["redis"] = map[string]any{"status": "unavailable"}
			} else {
				checks["redis"] = map[string]any{"status": "ok"}
			}
		}
	}
	if healthy, isHealthy := s.search.(interface{ Healthy() bool }); isHealthy {
		status := "fallback"
		if healthy.Healthy() {
			status = "ok"
		}
		checks["search"] = map[string]any{"status": status}
	}
	checks["extractor"] = map[string]any{"model": s.extractor.Model()}
	return ok, checks
}

// Auth

func (s *Service) Register(ctx context.Context, username, email, password string) (map[string]any, error) {
	user, err := s.passwords.Register(ctx, authpw.RegisterRequest{
		Username: username,
		Email:    email,
		Password: password,
	})
	switch {
	case errors.Is(err, authpw.ErrEmailTaken):
		return nil, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email or username already registered", nil)
	case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrInvalidEmail), errors.Is(err, authpw.ErrWeakPassword):
		return nil, validationError(err.Error(), nil)
	case err != nil:
		return nil, err
	}
	return userPayload(user), nil
}

// Login checks credentials for the caller identified by clientKey. Failed
// attempts count towards a lockout; a success clears them.
func (s *Service) Login(ctx context.Context, clientKey, email, password string) (Session, error) {
	key := "login:" + clientKey
	decision, err := s.limiter.Check(ctx, key)
	if err != nil {
		return Session{}, fmt.Errorf("check login limiter: %w", err)
	}
	if !decision.Allowed {
		return Session{}, lockedOut(decision)
	}

	user, err := s.passwords.Login(ctx, email, password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		decision, failErr := s.limiter.Fail(ctx, key)
		if failErr != nil {
			s.logger.Warn("record failed login", "error", failErr)
		} else if !decision.Allowed {
			return Session{}, lockedOut(decision)
		}
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", map[string]any{
			"remaining_attempts": decision.Remaining,
		})
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.limiter.Reset(ctx, key); err != nil {
		s.logger.Warn("reset login limiter", "error", err)
	}
	return s.issueSession(ctx, user)
}

func lockedOut(decision ratelimit.Decision) error {
	return domainError(http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "Too many failed login attempts", map[string]any{
		"retry_after_seconds": int(decision.RetryAfter.Round(time.Second).Seconds()),
	})
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if _, err := auth.ParseToken([]byte(s.cfg.RefreshSecret), refreshToken, auth.TypeRefresh); err != nil {
		return Session{}, err
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Redis sessions only carry the id.
	user, err = s.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	subject := strconv.FormatInt(user.ID, 10)

	token, err := auth.IssueToken([]byte(s.cfg.AccessSecret), auth.Claims{
		Name: user.Username,
		Role: user.Role,
		Type: auth.TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	if err != nil {
		return Session{}, err
	}

	refreshExpires := now.Add(s.cfg.RefreshTTL)
	refresh, err := auth.IssueToken([]byte(s.cfg.RefreshSecret), auth.Claims{
		Type: auth.TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        util.NewID("rft"),
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(refreshExpires),
		},
	})
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.AccessSecret), token, auth.TypeAccess)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	userID, err := claims.UserID()
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", "error", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", "error", err)
		}
	}
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, session Session, oldPassword, newPassword string) error {
	err := s.passwords.ChangePassword(ctx, session.UserID, oldPassword, newPassword)
	switch {
	case errors.Is(err, authpw.ErrWeakPassword):
		return validationError(err.Error(), nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Current password is incorrect", nil)
	}
	return err
}

func (s *Service) Me(session Session) map[string]any {
	return map[string]any{
		"id":       session.UserID,
		"username": session.UserName,
		"email":    session.Email,
		"role":     session.Role,
	}
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":         user.ID,
		"username":   user.Username,
		"email":      user.Email,
		"role":       user.Role,
		"created_at": user.CreatedAt,
	}
}

func blank(value string) bool {
	return strings.TrimSpace(value) == ""
}
