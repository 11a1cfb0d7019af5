package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/gotomicro/ego/core/elog"
)

var noAuthPath = map[string]bool{
	"/_admin/login": true,
}

const (
	TokenExpiredCode = 599

	MOD_NAME = "s3gw"
	TTL      = 12 * time.Hour

	UserKey = "s3gw.admin"
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("not a token")
	ErrTokenInvalid   = errors.New("token invalid")
)

type Claims struct {
	User string `json:"u"`
	jwt.StandardClaims
}

func GenerateToken(secret, user string) (string, int64, error) {
	expireTime := time.Now().Add(TTL).Unix()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		user,
		jwt.StandardClaims{
			Subject:   user,
			ExpiresAt: expireTime,
			Issuer:    MOD_NAME,
		},
	}).SignedString([]byte(secret))
	return token, expireTime, err
}

func ParseToken(secret, token string) (*Claims, error) {
	tokenClaims, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return []byte(secret), nil
	})

	if err != nil {
		if ve, ok := err.(*jwt.ValidationError); ok {
			if ve.Errors&jwt.ValidationErrorMalformed != 0 {
				return nil, ErrTokenMalformed
			} else if ve.Errors&jwt.ValidationErrorExpired != 0 {
				return nil, ErrTokenExpired
			}
			return nil, ErrTokenInvalid
		}
		return nil, err
	}

	return tokenClaims.Claims.(*Claims), nil
}

// JWT guards the admin routes with a bearer token minted by login.
func JWT(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if noAuthPath[c.FullPath()] {
			c.Next()
			return
		}

		claims, err := ParseToken(secret, GetToken(c))
		if err != nil {
			elog.Warn("admin token rejected", elog.String("path", c.FullPath()), elog.FieldErr(err))
			msg := "token error"
			if err == ErrTokenExpired {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(200, gin.H{"code": TokenExpiredCode, "msg": msg})
			return
		}
		c.Set(UserKey, claims.User)
		c.Next()
	}
}

func GetToken(c *gin.Context) string {
	if token := c.GetHeader("Authorization"); token != "" {
		return strings.TrimPrefix(token, "Bearer ")
	}
	return c.Query("token")
}

func GetUser(c *gin.Context) string {
	return c.GetString(UserKey)
}
