// Package auth verifies the bearer token the supervisor generates at launch.
// The token is read once from the environment and is immutable for the
// process lifetime; rotation means the supervisor restarts the service.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
)

// ActionRobotRegister is the capability required to register or deregister
// robots.
const ActionRobotRegister = "robot.register"

// Authorizer answers has-permission questions about an authenticated actor.
// Identity and role storage live outside this service; the core only consumes
// the boolean.
type Authorizer func(actor, action string) bool

// AllowAll grants every capability. It is the default when no permission
// backend is wired in.
func AllowAll(string, string) bool { return true }

// Service holds the SHA-256 of the process token. Hashing both sides before
// comparing keeps the check constant-time regardless of presented length.
type Service struct {
	digest    [sha256.Size]byte
	authorize Authorizer
}

func New(token string, authorize Authorizer) *Service {
	if authorize == nil {
		authorize = AllowAll
	}
	return &Service{
		digest:    sha256.Sum256([]byte(token)),
		authorize: authorize,
	}
}

// Verify reports whether the presented token matches the process token.
func (s *Service) Verify(presented string) bool {
	sum := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(s.digest[:], sum[:]) == 1
}

// Authorize reports whether the actor holds the named capability.
func (s *Service) Authorize(actor, action string) bool {
	return s.authorize(actor, action)
}
