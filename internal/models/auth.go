package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// UserRole represents the roles resolved by the external authorization layer.
type UserRole string

const (
	RoleAdmin   UserRole = "ADMIN"
	RoleOffice  UserRole = "OFFICE"
	RoleTeacher UserRole = "TEACHER"
	RoleParent  UserRole = "PARENT"
	RoleDisplay UserRole = "DISPLAY"
	RoleSystem  UserRole = "SYSTEM"
)

// Staff reports whether the role sees the full office view.
func (r UserRole) Staff() bool {
	switch r {
	case RoleAdmin, RoleOffice, RoleTeacher, RoleSystem:
		return true
	default:
		return false
	}
}

// JWTClaims represents the payload of externally issued access tokens.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	TenantID string   `json:"tenant_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}

// Actor converts verified claims into the explicit engine context.
func (c *JWTClaims) Actor() ActorContext {
	if c == nil {
		return ActorContext{}
	}
	return ActorContext{ActorID: c.UserID, TenantID: c.TenantID, Role: c.Role}
}

// ActorContext is passed into every engine call; tenant and role are already verified upstream.
type ActorContext struct {
	ActorID  string
	TenantID string
	Role     UserRole
}

// SystemActor returns the identity used by background triggers such as the scheduler.
func SystemActor(tenantID string) ActorContext {
	return ActorContext{ActorID: "system:scheduler", TenantID: tenantID, Role: RoleSystem}
}
