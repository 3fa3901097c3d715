package api

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/victornm/partyquiz/internal/domain"
	"github.com/victornm/partyquiz/internal/errors"
)

const (
	principalKey     = "principal"
	accessTokenQuery = "access_token"
)

type AuthConfig struct {
	// Secret is the HMAC key the bearer tokens are signed with.
	Secret string
	// Issuer, when set, must match the iss claim.
	Issuer string
}

// authenticate verifies the bearer token and stores its subject as the request principal.
// Browsers cannot set headers on websocket requests, so the token is also read from the access_token query.
func authenticate(c AuthConfig) gin.HandlerFunc {
	key := []byte(c.Secret)

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if c.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(ctx *gin.Context) {
		raw := bearerToken(ctx)
		if raw == "" {
			writeError(ctx, errors.Unauthenticated("bearer token required"))
			return
		}

		var claims jwt.RegisteredClaims
		_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return key, nil
		})
		if err != nil {
			writeError(ctx, errors.New(errors.CodeUnauthenticated,
				errors.WithMessagef("invalid or expired token"),
				errors.WithCause(err),
			))
			return
		}

		if claims.Subject == "" {
			writeError(ctx, errors.Unauthenticated("token has no subject"))
			return
		}

		ctx.Set(principalKey, domain.Principal{Subject: claims.Subject})
		ctx.Next()
	}
}

func bearerToken(ctx *gin.Context) string {
	header := ctx.GetHeader("Authorization")
	if header == "" {
		return ctx.Query(accessTokenQuery)
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}

	return strings.TrimSpace(token)
}

func principal(ctx *gin.Context) domain.Principal {
	p, _ := ctx.Get(principalKey)
	pp, _ := p.(domain.Principal)
	return pp
}
