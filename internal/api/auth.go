package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const claimsKey = "claims"

// Claims identify the caller. Subject is the account id the caller may act
// on; Admin grants every account and the admin routes.
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// authMiddleware validates HS256 bearer tokens. With an empty secret every
// request passes as admin.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Set(claimsKey, &Claims{Admin: true})
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			abort(c, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

func requireAdmin(c *gin.Context) {
	if !callerClaims(c).Admin {
		abort(c, http.StatusForbidden, "admin token required")
		return
	}
	c.Next()
}

// requireAccount allows admins and the account the token was issued for.
func requireAccount(c *gin.Context) {
	claims := callerClaims(c)
	if !claims.Admin && claims.Subject != c.Param("id") {
		abort(c, http.StatusForbidden, "token does not grant access to this account")
		return
	}
	c.Next()
}

func callerClaims(c *gin.Context) *Claims {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*Claims); ok {
			return claims
		}
	}
	return &Claims{}
}

// IssueToken signs a token for subject, mainly for tooling and tests.
func IssueToken(secret, subject string, admin bool) (string, error) {
	claims := Claims{
		Admin:            admin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
