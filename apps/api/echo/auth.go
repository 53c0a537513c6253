package echoapi

import (
	"crypto/subtle"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/syuukuriimu/student-forum/core"
	"github.com/syuukuriimu/student-forum/core/forum"
)

const contextTokenKey = "userToken"

func newJWTConfig(secretKey string) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(secretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
}

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	Role forum.Role `json:"role"`
	Name string     `json:"name,omitempty"`
}

func (c Claims) Valid() error {
	if err := c.StandardClaims.Valid(); err != nil {
		return err
	}
	if !c.Role.Valid() {
		return errors.New("unknown role")
	}
	return nil
}

func (c Claims) actor() forum.Actor {
	return forum.Actor{Role: c.Role, Name: c.Name}
}

func NewClaims(conf *core.Config, actor forum.Actor) *Claims {
	now := time.Now()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   string(actor.Role),
			Audience:  "Classroom",
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		Role: actor.Role,
		Name: actor.Name,
	}
}

// GenerateToken generates a signed JWT token string representing the Claims.
func GenerateToken(secretKey string, claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.GetSigningMethod(middleware.AlgorithmHS256), claims)
	ss, err := token.SignedString([]byte(secretKey))
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

// authenticate checks the shared entry password of a role.
func authenticate(conf *core.Config, role forum.Role, password string) error {
	var want string
	switch role {
	case forum.RoleStudent:
		want = conf.StudentPassword
	case forum.RoleTeacher:
		want = conf.TeacherPassword
	default:
		return errAuthenticationFailed
	}
	if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return errAuthenticationFailed
	}
	return nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

func getContextActor(ctx echo.Context) (forum.Actor, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return forum.Actor{}, err
	}
	return claims.actor(), nil
}
