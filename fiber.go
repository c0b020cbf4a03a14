package session

import (
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-print"
)

// SessionControllerRoutes are the paths the controller mounts, relative to
// the scope's base path.
type SessionControllerRoutes struct {
	Login     string
	VerifyMfa string
	Logout    string
	Session   string
}

// SessionController exposes one scope's session flows over fiber as a JSON
// API. Portals that render server-side mount it next to their views; SPA
// portals call it from the browser.
type SessionController struct {
	Debug   bool
	Manager *Manager
	Routes  *SessionControllerRoutes

	// pending holds the MFA challenge between login and verify. One
	// challenge at a time per scope matches the single-session model.
	// Guarded by mu: fiber runs handlers concurrently.
	mu      sync.Mutex
	pending *MfaChallenge
}

func (s *SessionController) setPending(challenge *MfaChallenge) {
	s.mu.Lock()
	s.pending = challenge
	s.mu.Unlock()
}

func (s *SessionController) pendingChallenge() *MfaChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// NewSessionController builds a controller around the given manager.
func NewSessionController(manager *Manager) *SessionController {
	return &SessionController{
		Manager: manager,
		Routes: &SessionControllerRoutes{
			Login:     "/session/login",
			VerifyMfa: "/session/verify-mfa",
			Logout:    "/session/logout",
			Session:   "/session",
		},
	}
}

// RegisterSessionRoutes mounts the session flows for one scope.
func RegisterSessionRoutes(app fiber.Router, manager *Manager) *SessionController {
	controller := NewSessionController(manager)

	app.Post(controller.Routes.Login, controller.LoginPost)
	app.Post(controller.Routes.VerifyMfa, controller.VerifyMfaPost)
	app.Post(controller.Routes.Logout, controller.LogoutPost)
	app.Get(controller.Routes.Session, controller.SessionGet)

	return controller
}

// LoginPayload is the login form/JSON payload.
type LoginPayload struct {
	Identifier string `form:"identifier" json:"identifier"`
	Secret     string `form:"secret" json:"secret"`
}

// VerifyMfaPayload carries the one-time code back from the user.
type VerifyMfaPayload struct {
	Code string `form:"code" json:"code"`
}

// SessionGet reports the current session state so the frontend can decide
// what to render.
func (s *SessionController) SessionGet(c *fiber.Ctx) error {
	body := fiber.Map{
		"scope": s.Manager.Scope().String(),
		"state": s.Manager.State().String(),
	}
	if identity := s.Manager.Identity(); identity != nil {
		body["identity"] = identity
	}
	return c.JSON(body)
}

// LoginPost authenticates the submitted credentials. A 202 with
// mfaRequired=true means the caller must follow up on the verify route.
func (s *SessionController) LoginPost(c *fiber.Ctx) error {
	payload := new(LoginPayload)
	if err := c.BodyParser(payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "failed to parse login payload",
		})
	}

	challenge, err := s.Manager.Login(c.UserContext(), Credentials{
		Identifier: payload.Identifier,
		Secret:     payload.Secret,
	})
	if err != nil {
		status := fiber.StatusUnauthorized
		if !IsCredentialError(err) {
			status = fiber.StatusBadGateway
		}
		return c.Status(status).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if challenge != nil {
		s.setPending(challenge)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"mfaRequired": true,
			"userId":      challenge.UserID(),
			"email":       challenge.Email(),
		})
	}

	if s.Debug {
		fmt.Println("================")
		fmt.Println(print.MaybePrettyJSON(s.Manager.Identity()))
		fmt.Println("================")
	}

	return c.JSON(fiber.Map{
		"state":    s.Manager.State().String(),
		"identity": s.Manager.Identity(),
	})
}

// VerifyMfaPost completes an admin login with the one-time code. A wrong
// code answers 401 and leaves the challenge open for another attempt.
func (s *SessionController) VerifyMfaPost(c *fiber.Ctx) error {
	payload := new(VerifyMfaPayload)
	if err := c.BodyParser(payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "failed to parse verification payload",
		})
	}

	challenge := s.pendingChallenge()
	if challenge == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": ErrMfaNotPending.Message,
		})
	}

	if err := challenge.Verify(c.UserContext(), payload.Code); err != nil {
		if IsMfaError(err) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		s.setPending(nil)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	s.setPending(nil)

	return c.JSON(fiber.Map{
		"state":    s.Manager.State().String(),
		"identity": s.Manager.Identity(),
	})
}

// LogoutPost tears the session down and abandons any pending challenge.
func (s *SessionController) LogoutPost(c *fiber.Ctx) error {
	if challenge := s.pendingChallenge(); challenge != nil {
		if err := challenge.Abandon(c.UserContext()); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		s.setPending(nil)
		return c.JSON(fiber.Map{"state": s.Manager.State().String()})
	}

	if err := s.Manager.Logout(c.UserContext()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{"state": s.Manager.State().String()})
}

// FiberGuard adapts the scope's route guard to a fiber handler. Mount it in
// front of protected groups; GuardWait answers 503 with Retry-After so
// clients poll instead of bouncing the user mid refresh.
func FiberGuard(manager *Manager) fiber.Handler {
	guard := manager.Guard()
	return func(c *fiber.Ctx) error {
		switch guard.Evaluate() {
		case GuardAllow:
			if identity := manager.Identity(); identity != nil {
				c.Locals("identity", identity)
				c.SetUserContext(WithIdentityContext(c.UserContext(), identity))
			}
			return c.Next()
		case GuardWait:
			c.Set("Retry-After", "1")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"state": manager.State().String(),
			})
		default:
			return c.Redirect(guard.LoginRoute(), fiber.StatusSeeOther)
		}
	}
}

// GetFiberIdentity reads the identity stored by FiberGuard.
func GetFiberIdentity(c *fiber.Ctx) (*Identity, bool) {
	identity, ok := c.Locals("identity").(*Identity)
	return identity, ok
}
