// Package artifact records references to step outputs held in external
// storage and hands out short-lived signed access to them. The engine
// never reads or writes artifact bytes.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

const issuer = "retour-artifacts"

// refreshMargin is how long before expiry a cached token is replaced.
const refreshMargin = time.Minute

// Config holds the signing parameters.
type Config struct {
	SigningSecret string
	AccessTTL     time.Duration
	// BaseURL, when set, is the storage gateway access URLs point at.
	BaseURL string
}

// Service records artifacts and signs access to them.
type Service struct {
	store store.TxRunner
	cfg   Config
	now   func() time.Time
	log   *logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.log = l.Named("artifact") }
}

// New creates an artifact service.
func New(s store.TxRunner, cfg Config, opts ...Option) (*Service, error) {
	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("artifact signing secret cannot be empty")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	svc := &Service{store: s, cfg: cfg, now: time.Now, log: logging.NewNop()}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// NewArtifact describes an output produced by a step.
type NewArtifact struct {
	RunID      uuid.UUID
	Step       int
	JobID      *uuid.UUID
	Kind       types.ArtifactKind
	StorageRef string
	Width      *int
	Height     *int
	Hash       string
}

// Record stores an artifact reference inside the caller's transaction.
func (s *Service) Record(ctx context.Context, tx store.Tx, in NewArtifact) (*types.Artifact, error) {
	if in.StorageRef == "" {
		return nil, fmt.Errorf("artifact storage reference is required")
	}
	a := &types.Artifact{
		ID:         uuid.New(),
		RunID:      in.RunID,
		Step:       in.Step,
		JobID:      in.JobID,
		Kind:       in.Kind,
		StorageRef: in.StorageRef,
		Width:      in.Width,
		Height:     in.Height,
		Hash:       in.Hash,
		CreatedAt:  s.now(),
	}
	if err := tx.InsertArtifact(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to insert artifact: %w", err)
	}
	return a, nil
}

// List returns a run's artifacts.
func (s *Service) List(ctx context.Context, runID uuid.UUID) ([]types.Artifact, error) {
	var out []types.Artifact
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListArtifacts(ctx, runID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return out, nil
}

// Access is signed, time-limited access to one artifact.
type Access struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	URL        string    `json:"url"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
	Cached     bool      `json:"cached"`
}

// Claims are the claims carried by an access token.
type Claims struct {
	RunID      uuid.UUID `json:"run_id"`
	StorageRef string    `json:"ref"`
	jwt.RegisteredClaims
}

// Access returns signed access to an artifact, reusing the cached token
// while it has more than a minute left.
func (s *Service) Access(ctx context.Context, id uuid.UUID) (*Access, error) {
	var access *Access
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		a, err := tx.GetArtifact(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to get artifact: %w", err)
		}
		if a == nil {
			return &types.NotFoundError{Entity: "artifact", ID: id.String()}
		}

		now := s.now()
		if a.AccessToken != nil && a.AccessExpiresAt != nil && a.AccessExpiresAt.After(now.Add(refreshMargin)) {
			access = s.access(a, *a.AccessToken, *a.AccessExpiresAt, true)
			return nil
		}

		token, expiresAt, err := s.sign(a, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateArtifactAccess(ctx, a.ID, token, expiresAt); err != nil {
			return fmt.Errorf("failed to cache artifact access: %w", err)
		}
		access = s.access(a, token, expiresAt, false)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug(ctx, "artifact access issued",
		zap.String("artifact_id", id.String()),
		zap.Bool("cached", access.Cached),
		zap.Time("expires_at", access.ExpiresAt),
	)
	return access, nil
}

func (s *Service) sign(a *types.Artifact, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.cfg.AccessTTL).Truncate(time.Second)
	claims := &Claims{
		RunID:      a.RunID,
		StorageRef: a.StorageRef,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   a.ID.String(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.SigningSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign artifact token: %w", err)
	}
	return token, expiresAt, nil
}

func (s *Service) access(a *types.Artifact, token string, expiresAt time.Time, cached bool) *Access {
	link := a.StorageRef
	if s.cfg.BaseURL != "" {
		link = strings.TrimRight(s.cfg.BaseURL, "/") + "/artifacts/" + a.ID.String() + "?" + url.Values{"token": {token}}.Encode()
	}
	return &Access{ArtifactID: a.ID, URL: link, Token: token, ExpiresAt: expiresAt, Cached: cached}
}

// Verify checks an access token and returns its claims.
func (s *Service) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("token string is empty")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.SigningSecret), nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("artifact token expired: %w", err)
		}
		return nil, fmt.Errorf("invalid artifact token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("artifact token is not valid")
	}
	return claims, nil
}
