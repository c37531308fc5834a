package origin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/quietfold/reportgate/internal/config"
	"github.com/quietfold/reportgate/internal/model"
)

const (
	assertionHeader = "Cf-Access-Jwt-Assertion"
	authCookie      = "CF_Authorization"
)

// Server serves the report artifacts, admitting only requests that carry a
// valid gateway-issued identity token. The gateway handles the login flow;
// this server only validates its outcome, so going straight to the origin
// does not bypass the gate.
type Server struct {
	cfg       config.OriginConfig
	keyring   *Keyring
	allowlist map[string]struct{}
	log       *slog.Logger
	router    *gin.Engine
}

func NewServer(cfg config.OriginConfig, gate model.GateSpec, keyring *Keyring, logger *slog.Logger) *Server {
	allowlist := make(map[string]struct{}, len(gate.AllowedEmails))
	for _, email := range gate.AllowedEmails {
		allowlist[strings.ToLower(email)] = struct{}{}
	}

	server := &Server{
		cfg:       cfg,
		keyring:   keyring,
		allowlist: allowlist,
		log:       logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.Use(server.authenticate)
	router.NoRoute(gin.WrapH(http.FileServer(http.Dir(cfg.ReportsDir))))

	server.router = router
	return server
}

// Router exposes the handler for tests.
func (server *Server) Router() http.Handler {
	return server.router
}

// Run serves until the context is canceled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}

	errs := make(chan error, 1)
	go func() {
		server.log.Info("origin guard listening", "addr", server.cfg.ListenAddr, "dir", server.cfg.ReportsDir)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) authenticate(c *gin.Context) {
	token := extractToken(c)
	if token == "" {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	email, err := server.validateToken(c.Request.Context(), token)
	if err != nil {
		server.log.Warn("rejected request with invalid access token", "path", c.Request.URL.Path, "error", err)
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	if _, ok := server.allowlist[strings.ToLower(email)]; !ok {
		server.log.Warn("rejected authenticated identity not on the allowlist", "email", email)
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	c.Next()
}

type accessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// validateToken checks the gateway token's signature, expiry, and audience,
// and returns the authenticated email.
func (server *Server) validateToken(ctx context.Context, token string) (string, error) {
	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no key id")
		}
		return server.keyring.Key(ctx, kid)
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", fmt.Errorf("invalid token")
	}

	if server.cfg.AccessAUD != "" {
		found := false
		for _, aud := range claims.Audience {
			if aud == server.cfg.AccessAUD {
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("token audience does not include the application tag")
		}
	}

	if claims.Email == "" {
		return "", fmt.Errorf("token carries no email claim")
	}
	return claims.Email, nil
}

func extractToken(c *gin.Context) string {
	if header := strings.TrimSpace(c.GetHeader(assertionHeader)); header != "" {
		return header
	}
	if cookie, err := c.Cookie(authCookie); err == nil {
		return strings.TrimSpace(cookie)
	}
	return ""
}
