// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller identity. Authentication happens upstream
// (API gateway); the engine trusts the X-Customer-ID and X-Chef-ID headers it
// forwards and stashes them in the Gin context.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderCustomerID carries the authenticated customer identifier.
	HeaderCustomerID = "X-Customer-ID"
	// HeaderChefID carries the authenticated chef identifier.
	HeaderChefID = "X-Chef-ID"

	ctxKeyCustomerID = "customerID"
	ctxKeyChefID     = "chefID"

	maxIdentityLen = 64
)

// Identity copies the identity headers into the Gin context. Values longer
// than the store column are dropped rather than truncated.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := cleanIdentity(c.GetHeader(HeaderCustomerID)); v != "" {
			c.Set(ctxKeyCustomerID, v)
		}
		if v := cleanIdentity(c.GetHeader(HeaderChefID)); v != "" {
			c.Set(ctxKeyChefID, v)
		}
		c.Next()
	}
}

func cleanIdentity(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > maxIdentityLen {
		return ""
	}
	return v
}

// CustomerID returns the customer identity, or "" when absent.
func CustomerID(c *gin.Context) string { return ctxString(c, ctxKeyCustomerID) }

// ChefID returns the chef identity, or "" when absent.
func ChefID(c *gin.Context) string { return ctxString(c, ctxKeyChefID) }

// Caller returns whichever identity is present, preferring the customer.
func Caller(c *gin.Context) string {
	if id := CustomerID(c); id != "" {
		return id
	}
	return ChefID(c)
}

func ctxString(c *gin.Context, key string) string {
	if c == nil {
		return ""
	}
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
