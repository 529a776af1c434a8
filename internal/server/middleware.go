package server

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/spotwise/cost-engine/internal/store"
	"github.com/spotwise/cost-engine/internal/sysevents"
)

const clientContextKey = "client"

// requireClientToken resolves the Bearer token to an active client and
// stores it on the request context.
func (s *Server) requireClientToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing client token"})
		}

		client, err := s.Clients.ByToken(c.Request().Context(), token)
		if errors.Is(err, store.ErrNotFound) {
			s.Sys.Record(c.Request().Context(), sysevents.Event{
				Type:     "auth_failed",
				Severity: sysevents.SeverityWarning,
				Message:  "invalid client token attempt",
			})
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid client token"})
		}
		if err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
		}

		c.Set(clientContextKey, client)
		return next(c)
	}
}

func requestClient(c echo.Context) *store.Client {
	client, _ := c.Get(clientContextKey).(*store.Client)
	return client
}

var (
	instanceIDPattern = regexp.MustCompile(`^i-[a-f0-9]+$`)
	amiIDPattern      = regexp.MustCompile(`^ami-[a-f0-9]+$`)
	regionPattern     = regexp.MustCompile(`^[a-z]+-[a-z]+-\d+$`)
	azPattern         = regexp.MustCompile(`^[a-z]+-[a-z]+-\d+[a-z]$`)
)

// newValidator builds the request validator with the AWS identifier
// formats the agent payloads must satisfy.
func newValidator() *validator.Validate {
	v := validator.New()
	mustRegex := func(tag string, re *regexp.Regexp) {
		_ = v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return re.MatchString(fl.Field().String())
		})
	}
	mustRegex("ec2_instance_id", instanceIDPattern)
	mustRegex("ami_id", amiIDPattern)
	mustRegex("aws_region", regionPattern)
	mustRegex("aws_az", azPattern)
	return v
}

// bindAndValidate decodes the request body into req and validates it.
func (s *Server) bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return err
	}
	return s.validate.Struct(req)
}
