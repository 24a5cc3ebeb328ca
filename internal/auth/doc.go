// Package auth verifies the bearer tokens API callers present.
//
// Tokens are HS256 JWTs issued by the account service. Each carries the
// caller's tenant_id, which scopes every device and entity access, and a
// role:
//
//	viewer    read devices and entities
//	operator  viewer + write entity values
//	admin     operator + provision, configure and delete
package auth
